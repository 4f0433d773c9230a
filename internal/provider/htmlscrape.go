package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/xqi1337/nekoengine/models"
)

// htmlScrapeProvider is a thin regex-over-HTML scraper shared by the
// providers that expose no JSON API: animepahe, hianime, animeunity, yugen.
// Each instance differs only in its name and base URL; the HTTP client setup
// (header injection, random user-agent, retries) reuses the same helpers as
// the allanime and nyaa providers.
type htmlScrapeProvider struct {
	name    string
	baseURL string
	client  *http.Client
	cache   *searchCache
}

func newHTMLScrapeProvider(name, baseURL string) *htmlScrapeProvider {
	return &htmlScrapeProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(map[string]string{"Referer": baseURL}),
		cache:   newSearchCache(defaultSearchTTL),
	}
}

func (p *htmlScrapeProvider) Name() string { return p.name }

func (p *htmlScrapeProvider) RequiredHeaders() map[string]string {
	return map[string]string{"Referer": p.baseURL}
}

var (
	reSearchResultAnchor = regexp.MustCompile(`(?is)<a[^>]+href="(/anime/[^"]+)"[^>]*>\s*(?:<[^>]+>\s*)*([^<]{1,200})</`)
	reEpisodeAnchor      = regexp.MustCompile(`(?is)<a[^>]+href="([^"]+/episode/[^"]+|[^"]+-episode-\d+[^"]*)"`)
	rePlayerSource       = regexp.MustCompile(`(?is)(?:source|file|src)\s*[:=]\s*["']([^"']+\.(?:m3u8|mp4)[^"']*)["']`)
)

func (p *htmlScrapeProvider) Search(ctx context.Context, sp SearchParams) (map[string]models.SearchResult, error) {
	if cached, ok := p.cache.get(sp); ok {
		return cached, nil
	}

	endpoint := fmt.Sprintf("%s/search?q=%s", p.baseURL, url.QueryEscape(sp.Query))
	body, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	matches := reSearchResultAnchor.FindAllStringSubmatch(body, -1)
	results := make(map[string]models.SearchResult, len(matches))
	for _, m := range matches {
		path, title := m[1], strings.TrimSpace(m[2])
		if title == "" {
			continue
		}
		results[title] = models.SearchResult{ID: path, Title: title}
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	p.cache.put(sp, results)
	return results, nil
}

func (p *htmlScrapeProvider) Get(ctx context.Context, ap AnimeParams) (*models.Anime, error) {
	id := ap.ID
	if id == "" {
		results, err := p.Search(ctx, SearchParams{Query: ap.Query})
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			id = res.ID
			break
		}
	}
	if id == "" {
		return nil, ErrNoResults
	}

	body, err := p.get(ctx, p.baseURL+id)
	if err != nil {
		return nil, err
	}

	matches := reEpisodeAnchor.FindAllStringSubmatch(body, -1)
	sub := make([]string, 0, len(matches))
	for _, m := range matches {
		sub = append(sub, m[1])
	}

	return &models.Anime{
		SearchResult: models.SearchResult{ID: id, Title: ap.Query},
		Episodes:     models.EpisodeLists{Sub: sub},
	}, nil
}

func (p *htmlScrapeProvider) EpisodeStreams(ctx context.Context, ep EpisodeStreamsParams) (ServerIterator, error) {
	path := ep.Episode
	if !strings.HasPrefix(path, "/") {
		path = ep.AnimeID + "/" + strings.TrimPrefix(ep.Episode, "/")
	}

	body, err := p.get(ctx, p.baseURL+path)
	if err != nil {
		return nil, err
	}

	matches := rePlayerSource.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil, ErrNoResults
	}

	servers := make([]*models.Server, 0, len(matches))
	for i, m := range matches {
		link := m[1]
		servers = append(servers, &models.Server{
			Name: fmt.Sprintf("%s-server-%d", p.name, i+1),
			Links: []models.Link{{
				URL:     link,
				Quality: models.Quality1080,
				HLS:     strings.Contains(link, ".m3u8"),
				MP4:     strings.Contains(link, ".mp4"),
			}},
			Headers: map[string]string{"Referer": p.baseURL},
		})
	}

	return newSliceIterator(servers), nil
}

func (p *htmlScrapeProvider) get(ctx context.Context, endpoint string) (string, error) {
	var body string
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

		if resp.StatusCode == http.StatusNotFound {
			return retry.Unrecoverable(ErrNoResults)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: server error %d", p.name, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("%s: client error %d", p.name, resp.StatusCode))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = string(raw)
		return nil
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("%s fetch: %w", p.name, err)
	}
	return body, nil
}
