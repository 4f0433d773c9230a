package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/xqi1337/nekoengine/models"
)

const malAPIBaseURL = "https://api.myanimelist.net/v2"

// malCatalog is the REST-backed Catalog variant, in the shape of a
// Trakt-style REST client: bearer-token header injection, one HTTP call per
// operation, status-code-driven error handling.
type malCatalog struct {
	client *http.Client
	store  TokenStore
	apiTag string
}

func newMALCatalog(store TokenStore) *malCatalog {
	return &malCatalog{
		client: &http.Client{Timeout: 20 * time.Second},
		store:  store,
		apiTag: "mal",
	}
}

func (c *malCatalog) token() string {
	if c.store == nil {
		return ""
	}
	if rec, ok := c.store.Get(c.apiTag); ok {
		return rec.Token
	}
	return ""
}

func (c *malCatalog) IsAuthenticated() bool { return c.token() != "" }

func (c *malCatalog) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *malCatalog) Authenticate(ctx context.Context, token string) (*models.UserProfile, error) {
	var raw struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Picture  string `json:"picture"`
	}
	if err := c.get(ctx, "/users/@me", nil, token, &raw); err != nil {
		if c.store != nil {
			_ = c.store.Clear(c.apiTag)
		}
		return nil, fmt.Errorf("mal authenticate: %w", err)
	}

	profile := &models.UserProfile{ID: strconv.Itoa(raw.ID), Name: raw.Name, Avatar: raw.Picture}
	if c.store != nil {
		_ = c.store.Save(ctx, c.apiTag, models.AuthRecord{UserProfile: profile, Token: token})
	}
	return profile, nil
}

func (c *malCatalog) GetViewerProfile(ctx context.Context) (*models.UserProfile, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return c.Authenticate(ctx, c.token())
}

type malNode struct {
	Node malAnimeNode `json:"node"`
	ListStatus *malListStatus `json:"list_status,omitempty"`
}

type malAnimeNode struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	MainPicture struct {
		Large string `json:"large"`
	} `json:"main_picture"`
	AlternativeTitles struct {
		En       string   `json:"en"`
		Ja       string   `json:"ja"`
		Synonyms []string `json:"synonyms"`
	} `json:"alternative_titles"`
	Status       string  `json:"status"`
	NumEpisodes  int     `json:"num_episodes"`
	AverageEpisodeDuration int `json:"average_episode_duration"`
	Genres       []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Mean       float64 `json:"mean"`
	Popularity int     `json:"popularity"`
	Favorites  int     `json:"num_favorites"`
	StartDate  string  `json:"start_date"`
	EndDate    string  `json:"end_date"`
}

type malListStatus struct {
	Status        string  `json:"status"`
	Score         float64 `json:"score"`
	NumEpisodesWatched int `json:"num_episodes_watched"`
	UpdatedAt     string  `json:"updated_at"`
}

func mapMALStatus(raw string) models.MediaStatus {
	switch raw {
	case "finished_airing":
		return models.StatusFinished
	case "currently_airing":
		return models.StatusReleasing
	case "not_yet_aired":
		return models.StatusNotYetRelease
	default:
		return ""
	}
}

func mapMALListStatus(raw string) models.ListStatus {
	switch raw {
	case "watching":
		return models.ListWatching
	case "completed":
		return models.ListCompleted
	case "on_hold":
		return models.ListPaused
	case "dropped":
		return models.ListDropped
	case "plan_to_watch":
		return models.ListPlanning
	default:
		return ""
	}
}

func (n malNode) toMediaItem() models.MediaItem {
	genres := make([]string, 0, len(n.Node.Genres))
	for _, g := range n.Node.Genres {
		genres = append(genres, g.Name)
	}

	item := models.MediaItem{
		ID: n.Node.ID, MALID: n.Node.ID,
		Title: models.Titles{
			English: n.Node.AlternativeTitles.En, Native: n.Node.AlternativeTitles.Ja,
			Romaji: n.Node.Title, Synonyms: n.Node.AlternativeTitles.Synonyms,
		},
		Kind: models.KindAnime, Status: mapMALStatus(n.Node.Status),
		Episodes: n.Node.NumEpisodes, Duration: n.Node.AverageEpisodeDuration / 60,
		Genres: genres, CoverImage: n.Node.MainPicture.Large,
		Score: n.Node.Mean, Popularity: n.Node.Popularity, Favourites: n.Node.Favorites,
		StartDate: n.Node.StartDate, EndDate: n.Node.EndDate,
	}
	if n.ListStatus != nil {
		item.UserStatus = &models.UserStatus{
			Status: mapMALListStatus(n.ListStatus.Status), Progress: strconv.Itoa(n.ListStatus.NumEpisodesWatched),
			Score: n.ListStatus.Score,
		}
	}
	return item
}

func (c *malCatalog) SearchMedia(ctx context.Context, p MediaSearchParams) (*MediaSearchResult, error) {
	page, perPage := normalizePaging(p.Page, p.PerPage)
	params := url.Values{}
	params.Set("q", p.Query)
	params.Set("limit", strconv.Itoa(perPage))
	params.Set("offset", strconv.Itoa((page-1)*perPage))
	params.Set("fields", "alternative_titles,status,num_episodes,average_episode_duration,genres,mean,popularity,num_favorites,start_date,end_date")

	var resp struct {
		Data   []malNode `json:"data"`
		Paging struct {
			Next string `json:"next"`
		} `json:"paging"`
	}
	if err := c.get(ctx, "/anime", params, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("mal search_media: %w", err)
	}

	items := make([]models.MediaItem, 0, len(resp.Data))
	for _, n := range resp.Data {
		items = append(items, n.toMediaItem())
	}
	return &MediaSearchResult{Items: items, Page: page, PerPage: perPage, HasMore: resp.Paging.Next != ""}, nil
}

func (c *malCatalog) SearchMediaList(ctx context.Context, p UserMediaListSearchParams) (*MediaSearchResult, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	page, perPage := normalizePaging(p.Page, p.PerPage)
	params := url.Values{}
	params.Set("fields", "list_status,alternative_titles,status,num_episodes,mean,popularity,num_favorites,start_date,end_date")
	params.Set("limit", strconv.Itoa(perPage))
	params.Set("offset", strconv.Itoa((page-1)*perPage))
	if p.ListStatus != "" {
		params.Set("status", malListStatusFromGeneric(p.ListStatus))
	}

	var resp struct {
		Data   []malNode `json:"data"`
		Paging struct {
			Next string `json:"next"`
		} `json:"paging"`
	}
	if err := c.get(ctx, "/users/@me/animelist", params, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("mal search_media_list: %w", err)
	}

	items := make([]models.MediaItem, 0, len(resp.Data))
	for _, n := range resp.Data {
		items = append(items, n.toMediaItem())
	}
	return &MediaSearchResult{Items: items, Page: page, PerPage: perPage, HasMore: resp.Paging.Next != ""}, nil
}

func malListStatusFromGeneric(s models.ListStatus) string {
	switch s {
	case models.ListWatching:
		return "watching"
	case models.ListCompleted:
		return "completed"
	case models.ListPaused:
		return "on_hold"
	case models.ListDropped:
		return "dropped"
	case models.ListPlanning:
		return "plan_to_watch"
	default:
		return ""
	}
}

func (c *malCatalog) UpdateListEntry(ctx context.Context, p UpdateUserMediaListEntryParams) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}
	form := url.Values{}
	if p.Status != nil {
		form.Set("status", malListStatusFromGeneric(*p.Status))
	}
	if p.Progress != nil {
		form.Set("num_watched_episodes", strconv.Itoa(*p.Progress))
	}
	if p.Score != nil {
		form.Set("score", strconv.Itoa(int(*p.Score)))
	}

	endpoint := fmt.Sprintf("%s/anime/%d/my_list_status", malAPIBaseURL, p.MediaID)
	ok := true
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.URL.RawQuery = form.Encode()
		c.setHeaders(req, c.token())

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("mal: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			ok = false
			return nil
		}
		return nil
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *malCatalog) DeleteListEntry(ctx context.Context, mediaID int) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}
	endpoint := fmt.Sprintf("%s/anime/%d/my_list_status", malAPIBaseURL, mediaID)
	ok := true
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		c.setHeaders(req, c.token())
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("mal: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
			ok = false
		}
		return nil
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MAL's REST surface has no recommendation/character/related/airing/review
// endpoints matching AniList's aggregate queries at the anonymous tier; this
// variant reports them unsupported rather than guessing at a shape.
var errMALAggregateUnsupported = fmt.Errorf("mal: aggregate query not supported by this catalog variant")

func (c *malCatalog) GetRecommendationFor(ctx context.Context, mediaID int) ([]models.MediaItem, error) {
	return nil, errMALAggregateUnsupported
}

func (c *malCatalog) GetCharactersOf(ctx context.Context, mediaID int) ([]Character, error) {
	return nil, errMALAggregateUnsupported
}

func (c *malCatalog) GetRelatedAnimeFor(ctx context.Context, mediaID int) ([]models.MediaItem, error) {
	return nil, errMALAggregateUnsupported
}

func (c *malCatalog) GetAiringScheduleFor(ctx context.Context, mediaID int) ([]AiringScheduleEntry, error) {
	return nil, errMALAggregateUnsupported
}

func (c *malCatalog) GetReviewsFor(ctx context.Context, mediaID int) ([]Review, error) {
	return nil, errMALAggregateUnsupported
}

func (c *malCatalog) GetNotifications(ctx context.Context) ([]models.Notification, error) {
	return nil, nil
}

func (c *malCatalog) get(ctx context.Context, path string, params url.Values, token string, out any) error {
	endpoint := malAPIBaseURL + path
	if params != nil {
		endpoint += "?" + params.Encode()
	}

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		c.setHeaders(req, token)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("mal: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("mal: status %d: %s", resp.StatusCode, string(body)))
		}
		return json.Unmarshal(body, out)
	}, retry.Attempts(3), retry.Context(ctx))
}
