package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/xqi1337/nekoengine/models"
)

// allAnimeProvider scrapes allanime.to's internal GraphQL API, adapted from
// the community AllAnime client's query+variables shape (search via a
// literal GraphQL document, URL-encoded JSON variables, no SDK).
type allAnimeProvider struct {
	client  *http.Client
	apiBase string
	referer string
	cache   *searchCache
}

func newAllAnimeProvider() *allAnimeProvider {
	headers := map[string]string{
		"Referer": "https://allanime.to",
	}
	return &allAnimeProvider{
		client:  newHTTPClient(headers),
		apiBase: "https://api.allanime.day/api",
		referer: "https://allanime.to",
		cache:   newSearchCache(defaultSearchTTL),
	}
}

func (p *allAnimeProvider) Name() string { return "allanime" }

func (p *allAnimeProvider) RequiredHeaders() map[string]string {
	return map[string]string{"Referer": p.referer}
}

const allAnimeSearchQuery = `query(
	$search: SearchInput, $limit: Int, $page: Int, $translationType: VaildTranslationTypeEnumType, $countryOrigin: VaildCountryOriginEnumType
) {
	shows(
		search: $search, limit: $limit, page: $page, translationType: $translationType, countryOrigin: $countryOrigin
	) {
		edges { _id name availableEpisodes __typename }
	}
}`

func (p *allAnimeProvider) Search(ctx context.Context, sp SearchParams) (map[string]models.SearchResult, error) {
	if cached, ok := p.cache.get(sp); ok {
		return cached, nil
	}

	variables := map[string]any{
		"search":          map[string]any{"allowAdult": false, "allowUnknown": false, "query": sp.Query},
		"limit":           40,
		"page":            1,
		"translationType": string(sp.TranslationType),
		"countryOrigin":   "ALL",
	}

	var response struct {
		Data struct {
			Shows struct {
				Edges []struct {
					ID                 string         `json:"_id"`
					Name               string         `json:"name"`
					AvailableEpisodes  map[string]int `json:"availableEpisodes"`
				} `json:"edges"`
			} `json:"shows"`
		} `json:"data"`
	}

	if err := p.query(ctx, allAnimeSearchQuery, variables, &response); err != nil {
		return nil, fmt.Errorf("allanime search: %w", err)
	}

	results := make(map[string]models.SearchResult, len(response.Data.Shows.Edges))
	for _, edge := range response.Data.Shows.Edges {
		results[edge.Name] = models.SearchResult{
			ID:            edge.ID,
			Title:         edge.Name,
			TotalEpisodes: edge.AvailableEpisodes["sub"],
		}
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	p.cache.put(sp, results)
	return results, nil
}

const allAnimeShowQuery = `query($showId: String!) {
	show(_id: $showId) { _id name availableEpisodes }
}`

func (p *allAnimeProvider) Get(ctx context.Context, ap AnimeParams) (*models.Anime, error) {
	var response struct {
		Data struct {
			Show struct {
				ID                string         `json:"_id"`
				Name              string         `json:"name"`
				AvailableEpisodes map[string]int `json:"availableEpisodes"`
			} `json:"show"`
		} `json:"data"`
	}

	if err := p.query(ctx, allAnimeShowQuery, map[string]any{"showId": ap.ID}, &response); err != nil {
		return nil, fmt.Errorf("allanime get: %w", err)
	}
	if response.Data.Show.ID == "" {
		return nil, ErrNoResults
	}

	anime := &models.Anime{
		SearchResult: models.SearchResult{ID: response.Data.Show.ID, Title: response.Data.Show.Name},
	}
	anime.Episodes.Sub = episodeRange(response.Data.Show.AvailableEpisodes["sub"])
	anime.Episodes.Dub = episodeRange(response.Data.Show.AvailableEpisodes["dub"])
	return anime, nil
}

func episodeRange(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("%d", i))
	}
	return out
}

const allAnimeEpisodeQuery = `query($showId: String!, $translationType: VaildTranslationTypeEnumType!, $episodeString: String!) {
	episode(showId: $showId, translationType: $translationType, episodeString: $episodeString) {
		episodeString sourceUrls
	}
}`

func (p *allAnimeProvider) EpisodeStreams(ctx context.Context, ep EpisodeStreamsParams) (ServerIterator, error) {
	translation := ep.TranslationType
	if translation == "" {
		translation = models.TranslationSub
	}

	var response struct {
		Data struct {
			Episode struct {
				SourceUrls []struct {
					SourceURL  string `json:"sourceUrl"`
					SourceName string `json:"sourceName"`
				} `json:"sourceUrls"`
			} `json:"episode"`
		} `json:"data"`
	}

	variables := map[string]any{
		"showId":          ep.AnimeID,
		"translationType": string(translation),
		"episodeString":   ep.Episode,
	}
	if err := p.query(ctx, allAnimeEpisodeQuery, variables, &response); err != nil {
		return nil, fmt.Errorf("allanime episode streams: %w", err)
	}

	servers := make([]*models.Server, 0, len(response.Data.Episode.SourceUrls))
	for _, src := range response.Data.Episode.SourceUrls {
		decoded := decodeAllAnimeSourceURL(src.SourceURL)
		if decoded == "" {
			continue
		}
		servers = append(servers, &models.Server{
			Name:  src.SourceName,
			Links: resolveAllAnimeLinks(decoded),
		})
	}

	return newSliceIterator(servers), nil
}

// resolveAllAnimeLinks wraps a single resolved URL as a best-effort 1080p
// link; AllAnime's sourceUrls resolve to provider-hosted HLS manifests whose
// exact quality ladder requires a follow-up fetch this provider does not
// perform.
func resolveAllAnimeLinks(url string) []models.Link {
	return []models.Link{{URL: url, Quality: models.Quality1080, HLS: strings.Contains(url, ".m3u8")}}
}

// decodeAllAnimeSourceURL reverses AllAnime's character-pair substitution
// cipher used to obscure episode source URLs.
func decodeAllAnimeSourceURL(encoded string) string {
	const prefix = "--"
	if !strings.HasPrefix(encoded, prefix) {
		return encoded
	}
	encoded = strings.TrimPrefix(encoded, prefix)

	var sb strings.Builder
	for i := 0; i+1 < len(encoded); i += 2 {
		pair := encoded[i : i+2]
		if repl, ok := allAnimeCipher[pair]; ok {
			sb.WriteString(repl)
		}
	}
	return sb.String()
}

var allAnimeCipher = map[string]string{
	"01": "9", "08": "0", "05": "=", "0a": "2", "0b": "3", "0c": "4", "07": "?",
	"00": "8", "5c": "d", "0f": "7", "5e": "f", "17": "/", "54": "l", "09": "1",
	"48": "p", "4f": "w", "0e": "6", "5b": "c", "5d": "e", "0d": "5", "53": "k",
	"1e": "&", "5a": "b", "59": "a", "4a": "r", "4c": "t", "4e": "v", "57": "o",
	"51": "i",
}

func (p *allAnimeProvider) query(ctx context.Context, query string, variables map[string]any, out any) error {
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return err
	}

	endpoint := p.apiBase + "?query=" + url.QueryEscape(query) + "&variables=" + url.QueryEscape(string(varsJSON))

	return retry.Do(func() error {
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
			return fmt.Errorf("allanime: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("allanime: client error %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, out)
	}, retry.Attempts(3), retry.Context(ctx))
}
