package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/xqi1337/nekoengine/internal/resolver"
	"github.com/xqi1337/nekoengine/models"
)

// nyaaProvider treats nyaa.si's RSS search feed as a "torrent server" source:
// each item becomes one models.Server carrying a single magnet Link. Magnet
// construction and seen-guid dedup follow the shape of a debrid-style
// scraper, adapted from infoHash+trackers to nyaa's
// already-complete magnet/torrent URLs.
type nyaaProvider struct {
	client  *http.Client
	baseURL string
	cache   *searchCache
}

func newNyaaProvider() *nyaaProvider {
	return &nyaaProvider{
		client:  newHTTPClient(nil),
		baseURL: "https://nyaa.si",
		cache:   newSearchCache(defaultSearchTTL),
	}
}

func (p *nyaaProvider) Name() string { return "nyaa" }

func (p *nyaaProvider) RequiredHeaders() map[string]string { return nil }

type nyaaRSS struct {
	Channel struct {
		Items []nyaaItem `xml:"item"`
	} `xml:"channel"`
}

type nyaaItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	InfoHash string `xml:"http://nyaa.si/xmlns/nyaa infoHash"`
	Seeders string `xml:"http://nyaa.si/xmlns/nyaa seeders"`
	Size    string `xml:"http://nyaa.si/xmlns/nyaa size"`
}

var reQuality = regexp.MustCompile(`(2160|1080|720|480|360)p`)

func (p *nyaaProvider) Search(ctx context.Context, sp SearchParams) (map[string]models.SearchResult, error) {
	if cached, ok := p.cache.get(sp); ok {
		return cached, nil
	}

	items, err := p.fetch(ctx, sp.Query)
	if err != nil {
		return nil, err
	}

	results := make(map[string]models.SearchResult)
	seen := make(map[string]struct{})
	for _, item := range items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if _, ok := seen[guid]; ok {
			continue
		}
		seen[guid] = struct{}{}
		title := strings.TrimSpace(item.Title)
		results[title] = models.SearchResult{ID: guid, Title: title}
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	p.cache.put(sp, results)
	return results, nil
}

func (p *nyaaProvider) Get(ctx context.Context, ap AnimeParams) (*models.Anime, error) {
	query := ap.Query
	if query == "" {
		query = ap.ID
	}
	results, err := p.Search(ctx, SearchParams{Query: query})
	if err != nil {
		return nil, err
	}
	for key, res := range results {
		if res.ID == ap.ID || key == ap.ID {
			return &models.Anime{SearchResult: res}, nil
		}
	}
	for _, res := range results {
		return &models.Anime{SearchResult: res}, nil
	}
	return nil, ErrNoResults
}

func (p *nyaaProvider) EpisodeStreams(ctx context.Context, ep EpisodeStreamsParams) (ServerIterator, error) {
	query := ep.Query
	if query == "" {
		query = ep.AnimeID
	}

	items, err := p.fetch(ctx, query)
	if err != nil {
		return nil, err
	}

	servers := make([]*models.Server, 0, len(items))
	seen := make(map[string]struct{})
	for _, item := range items {
		if ep.Episode != "" && !resolver.MatchesEpisode(item.Title, ep.Episode) {
			continue
		}

		magnet := buildNyaaMagnet(item)
		if magnet == "" {
			continue
		}
		if _, ok := seen[magnet]; ok {
			continue
		}
		seen[magnet] = struct{}{}

		quality := models.Quality1080
		if m := reQuality.FindStringSubmatch(item.Title); m != nil {
			if q, err := strconv.Atoi(m[1]); err == nil {
				quality = models.Quality(q)
			}
		}

		servers = append(servers, &models.Server{
			Name:         item.Title,
			EpisodeTitle: item.Title,
			Links: []models.Link{{
				URL:      magnet,
				Quality:  quality,
				Format:   "torrent",
				Priority: parseSeeders(item.Seeders),
			}},
		})
	}

	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].Links[0].Priority > servers[j].Links[0].Priority
	})

	if len(servers) == 0 {
		return nil, ErrNoResults
	}
	return newSliceIterator(servers), nil
}

func parseSeeders(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func buildNyaaMagnet(item nyaaItem) string {
	if item.InfoHash == "" {
		return item.Link
	}
	var sb strings.Builder
	sb.WriteString("magnet:?xt=urn:btih:")
	sb.WriteString(strings.ToUpper(item.InfoHash))
	sb.WriteString("&dn=")
	sb.WriteString(url.QueryEscape(item.Title))
	for _, tracker := range defaultTrackers {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tracker))
	}
	return sb.String()
}

var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

func (p *nyaaProvider) fetch(ctx context.Context, query string) ([]nyaaItem, error) {
	endpoint := fmt.Sprintf("%s/?page=rss&q=%s&c=1_2&f=0", p.baseURL, url.QueryEscape(query))

	var feed nyaaRSS
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("nyaa: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("nyaa: client error %d", resp.StatusCode))
		}
		return xml.NewDecoder(resp.Body).Decode(&feed)
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("nyaa fetch: %w", err)
	}

	return feed.Channel.Items, nil
}
