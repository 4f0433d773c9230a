package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/xqi1337/nekoengine/models"
)

const aniListEndpoint = "https://graphql.anilist.co"

// aniListCatalog is the GraphQL-backed Catalog variant, grounded in the
// AniList community client's single-endpoint query+variables request shape.
type aniListCatalog struct {
	client *http.Client
	store  TokenStore
	apiTag string
}

func newAniListCatalog(store TokenStore) *aniListCatalog {
	return &aniListCatalog{
		client: &http.Client{Timeout: 20 * time.Second},
		store:  store,
		apiTag: "anilist",
	}
}

func (c *aniListCatalog) token() string {
	if c.store == nil {
		return ""
	}
	if rec, ok := c.store.Get(c.apiTag); ok {
		return rec.Token
	}
	return ""
}

func (c *aniListCatalog) IsAuthenticated() bool { return c.token() != "" }

func (c *aniListCatalog) Authenticate(ctx context.Context, token string) (*models.UserProfile, error) {
	old := token
	var resp struct {
		Data struct {
			Viewer struct {
				ID     int    `json:"id"`
				Name   string `json:"name"`
				Avatar struct {
					Large string `json:"large"`
				} `json:"avatar"`
			} `json:"Viewer"`
		} `json:"data"`
	}

	const query = `query { Viewer { id name avatar { large } } }`
	if err := c.send(ctx, query, nil, old, &resp); err != nil {
		if c.store != nil {
			_ = c.store.Clear(c.apiTag)
		}
		return nil, fmt.Errorf("anilist authenticate: %w", err)
	}
	if resp.Data.Viewer.ID == 0 {
		if c.store != nil {
			_ = c.store.Clear(c.apiTag)
		}
		return nil, ErrNotAuthenticated
	}

	profile := &models.UserProfile{
		ID:     fmt.Sprintf("%d", resp.Data.Viewer.ID),
		Name:   resp.Data.Viewer.Name,
		Avatar: resp.Data.Viewer.Avatar.Large,
	}
	if c.store != nil {
		_ = c.store.Save(ctx, c.apiTag, models.AuthRecord{UserProfile: profile, Token: old})
	}
	return profile, nil
}

func (c *aniListCatalog) GetViewerProfile(ctx context.Context) (*models.UserProfile, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return c.Authenticate(ctx, c.token())
}

const aniListMediaFields = `
	id idMal
	title { romaji english native }
	synonyms
	type status format episodes duration
	genres tags { name }
	studios { nodes { name } }
	coverImage { extraLarge }
	bannerImage
	trailer { id site }
	averageScore popularity favourites
	startDate { year month day }
	endDate { year month day }
	nextAiringEpisode { episode airingAt timeUntilAiring }
	mediaListEntry { status progress score(format: POINT_100) notes updatedAt }
`

func (c *aniListCatalog) SearchMedia(ctx context.Context, p MediaSearchParams) (*MediaSearchResult, error) {
	page, perPage := normalizePaging(p.Page, p.PerPage)
	mediaType := p.Type
	if mediaType == "" {
		mediaType = "ANIME"
	}

	query := fmt.Sprintf(`query (
		$search: String, $page: Int, $perPage: Int, $genreIn: [String], $genreNotIn: [String],
		$tagIn: [String], $tagNotIn: [String], $sort: [MediaSort], $type: MediaType
	) {
		Page(page: $page, perPage: $perPage) {
			pageInfo { total currentPage hasNextPage }
			media(
				search: $search, genre_in: $genreIn, genre_not_in: $genreNotIn,
				tag_in: $tagIn, tag_not_in: $tagNotIn, sort: $sort, type: $type, isAdult: false
			) { %s }
		}
	}`, aniListMediaFields)

	variables := map[string]any{
		"search": nilIfEmpty(p.Query), "page": page, "perPage": perPage,
		"genreIn": p.GenreIn, "genreNotIn": p.GenreNotIn,
		"tagIn": p.TagIn, "tagNotIn": p.TagNotIn,
		"type": mediaType,
	}
	if p.Sort != "" {
		variables["sort"] = []string{p.Sort}
	}

	var resp struct {
		Data struct {
			Page struct {
				PageInfo struct {
					Total       int  `json:"total"`
					CurrentPage int  `json:"currentPage"`
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
				Media []aniListMedia `json:"media"`
			} `json:"Page"`
		} `json:"data"`
	}

	if err := c.send(ctx, query, variables, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist search_media: %w", err)
	}

	items := make([]models.MediaItem, 0, len(resp.Data.Page.Media))
	for _, m := range resp.Data.Page.Media {
		items = append(items, m.toMediaItem())
	}
	return &MediaSearchResult{
		Items: items, Page: resp.Data.Page.PageInfo.CurrentPage, PerPage: perPage,
		HasMore: resp.Data.Page.PageInfo.HasNextPage, TotalCount: resp.Data.Page.PageInfo.Total,
	}, nil
}

func (c *aniListCatalog) SearchMediaList(ctx context.Context, p UserMediaListSearchParams) (*MediaSearchResult, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	page, perPage := normalizePaging(p.Page, p.PerPage)

	query := fmt.Sprintf(`query($userName: String, $status: MediaListStatus, $page: Int, $perPage: Int) {
		Page(page: $page, perPage: $perPage) {
			pageInfo { total currentPage hasNextPage }
			mediaList(userName: $userName, status: $status, type: ANIME) { media { %s } }
		}
	}`, aniListMediaFields)

	var resp struct {
		Data struct {
			Page struct {
				PageInfo struct {
					Total       int  `json:"total"`
					CurrentPage int  `json:"currentPage"`
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
				MediaList []struct {
					Media aniListMedia `json:"media"`
				} `json:"mediaList"`
			} `json:"Page"`
		} `json:"data"`
	}

	variables := map[string]any{"status": string(p.ListStatus), "page": page, "perPage": perPage}
	if err := c.send(ctx, query, variables, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist search_media_list: %w", err)
	}

	items := make([]models.MediaItem, 0, len(resp.Data.Page.MediaList))
	for _, entry := range resp.Data.Page.MediaList {
		items = append(items, entry.Media.toMediaItem())
	}
	return &MediaSearchResult{
		Items: items, Page: resp.Data.Page.PageInfo.CurrentPage, PerPage: perPage,
		HasMore: resp.Data.Page.PageInfo.HasNextPage, TotalCount: resp.Data.Page.PageInfo.Total,
	}, nil
}

func (c *aniListCatalog) UpdateListEntry(ctx context.Context, p UpdateUserMediaListEntryParams) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}
	const mutation = `mutation($mediaId: Int, $status: MediaListStatus, $progress: Int, $score: Float) {
		SaveMediaListEntry(mediaId: $mediaId, status: $status, progress: $progress, scoreRaw: $score) { id }
	}`
	variables := map[string]any{"mediaId": p.MediaID}
	if p.Status != nil {
		variables["status"] = string(*p.Status)
	}
	if p.Progress != nil {
		variables["progress"] = *p.Progress
	}
	if p.Score != nil {
		variables["score"] = *p.Score
	}

	var resp struct {
		Data struct {
			SaveMediaListEntry struct {
				ID int `json:"id"`
			} `json:"SaveMediaListEntry"`
		} `json:"data"`
	}
	if err := c.send(ctx, mutation, variables, c.token(), &resp); err != nil {
		return false, nil
	}
	return resp.Data.SaveMediaListEntry.ID != 0, nil
}

func (c *aniListCatalog) DeleteListEntry(ctx context.Context, mediaID int) (bool, error) {
	if !c.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}
	const mutation = `mutation($mediaId: Int) { DeleteMediaListEntry(mediaId: $mediaId) { deleted } }`
	var resp struct {
		Data struct {
			DeleteMediaListEntry struct {
				Deleted bool `json:"deleted"`
			} `json:"DeleteMediaListEntry"`
		} `json:"data"`
	}
	if err := c.send(ctx, mutation, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return false, nil
	}
	return resp.Data.DeleteMediaListEntry.Deleted, nil
}

func (c *aniListCatalog) GetRecommendationFor(ctx context.Context, mediaID int) ([]models.MediaItem, error) {
	query := fmt.Sprintf(`query($mediaId: Int) {
		Media(id: $mediaId) { recommendations { nodes { mediaRecommendation { %s } } } }
	}`, aniListMediaFields)
	var resp struct {
		Data struct {
			Media struct {
				Recommendations struct {
					Nodes []struct {
						MediaRecommendation aniListMedia `json:"mediaRecommendation"`
					} `json:"nodes"`
				} `json:"recommendations"`
			} `json:"Media"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_recommendation_for: %w", err)
	}
	out := make([]models.MediaItem, 0, len(resp.Data.Media.Recommendations.Nodes))
	for _, n := range resp.Data.Media.Recommendations.Nodes {
		out = append(out, n.MediaRecommendation.toMediaItem())
	}
	return out, nil
}

func (c *aniListCatalog) GetCharactersOf(ctx context.Context, mediaID int) ([]Character, error) {
	const query = `query($mediaId: Int) {
		Media(id: $mediaId) { characters { edges { role node { id name { full } image { large } } } } }
	}`
	var resp struct {
		Data struct {
			Media struct {
				Characters struct {
					Edges []struct {
						Role string `json:"role"`
						Node struct {
							ID   int `json:"id"`
							Name struct {
								Full string `json:"full"`
							} `json:"name"`
							Image struct {
								Large string `json:"large"`
							} `json:"image"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"characters"`
			} `json:"Media"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_characters_of: %w", err)
	}
	out := make([]Character, 0, len(resp.Data.Media.Characters.Edges))
	for _, e := range resp.Data.Media.Characters.Edges {
		out = append(out, Character{ID: e.Node.ID, Name: e.Node.Name.Full, Image: e.Node.Image.Large, Role: e.Role})
	}
	return out, nil
}

func (c *aniListCatalog) GetRelatedAnimeFor(ctx context.Context, mediaID int) ([]models.MediaItem, error) {
	query := fmt.Sprintf(`query($mediaId: Int) {
		Media(id: $mediaId) { relations { nodes { %s } } }
	}`, aniListMediaFields)
	var resp struct {
		Data struct {
			Media struct {
				Relations struct {
					Nodes []aniListMedia `json:"nodes"`
				} `json:"relations"`
			} `json:"Media"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_related_anime_for: %w", err)
	}
	out := make([]models.MediaItem, 0, len(resp.Data.Media.Relations.Nodes))
	for _, n := range resp.Data.Media.Relations.Nodes {
		out = append(out, n.toMediaItem())
	}
	return out, nil
}

func (c *aniListCatalog) GetAiringScheduleFor(ctx context.Context, mediaID int) ([]AiringScheduleEntry, error) {
	const query = `query($mediaId: Int) {
		Media(id: $mediaId) { airingSchedule { nodes { episode airingAt } } }
	}`
	var resp struct {
		Data struct {
			Media struct {
				AiringSchedule struct {
					Nodes []struct {
						Episode  int   `json:"episode"`
						AiringAt int64 `json:"airingAt"`
					} `json:"nodes"`
				} `json:"airingSchedule"`
			} `json:"Media"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_airing_schedule_for: %w", err)
	}
	out := make([]AiringScheduleEntry, 0, len(resp.Data.Media.AiringSchedule.Nodes))
	for _, n := range resp.Data.Media.AiringSchedule.Nodes {
		out = append(out, AiringScheduleEntry{MediaID: mediaID, Episode: n.Episode, AiringAt: n.AiringAt})
	}
	return out, nil
}

func (c *aniListCatalog) GetReviewsFor(ctx context.Context, mediaID int) ([]Review, error) {
	const query = `query($mediaId: Int) {
		Media(id: $mediaId) { reviews { nodes { id summary score user { name } } } }
	}`
	var resp struct {
		Data struct {
			Media struct {
				Reviews struct {
					Nodes []struct {
						ID      int    `json:"id"`
						Summary string `json:"summary"`
						Score   int    `json:"score"`
						User    struct {
							Name string `json:"name"`
						} `json:"user"`
					} `json:"nodes"`
				} `json:"reviews"`
			} `json:"Media"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, map[string]any{"mediaId": mediaID}, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_reviews_for: %w", err)
	}
	out := make([]Review, 0, len(resp.Data.Media.Reviews.Nodes))
	for _, n := range resp.Data.Media.Reviews.Nodes {
		out = append(out, Review{ID: n.ID, Summary: n.Summary, Score: n.Score, Author: n.User.Name})
	}
	return out, nil
}

func (c *aniListCatalog) GetNotifications(ctx context.Context) ([]models.Notification, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	const query = `query {
		Page { notifications(resetNotificationCount: true, type_in: [AIRING]) {
			... on AiringNotification { mediaId episode }
		} }
	}`
	var resp struct {
		Data struct {
			Page struct {
				Notifications []struct {
					MediaID int `json:"mediaId"`
					Episode int `json:"episode"`
				} `json:"notifications"`
			} `json:"Page"`
		} `json:"data"`
	}
	if err := c.send(ctx, query, nil, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("anilist get_notifications: %w", err)
	}
	out := make([]models.Notification, 0, len(resp.Data.Page.Notifications))
	for _, n := range resp.Data.Page.Notifications {
		out = append(out, models.Notification{MediaID: n.MediaID, Episode: n.Episode, Type: "AIRING"})
	}
	return out, nil
}

// aniListMedia is the wire shape for aniListMediaFields; toMediaItem maps it
// into the generic DataModel, dropping remote enum values with no generic
// equivalent.
type aniListMedia struct {
	ID    int `json:"id"`
	IDMal int `json:"idMal"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
		Native  string `json:"native"`
	} `json:"title"`
	Synonyms   []string `json:"synonyms"`
	Status     string   `json:"status"`
	Format     string   `json:"format"`
	Episodes   int      `json:"episodes"`
	Duration   int      `json:"duration"`
	Genres     []string `json:"genres"`
	Tags       []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Studios struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"studios"`
	CoverImage struct {
		ExtraLarge string `json:"extraLarge"`
	} `json:"coverImage"`
	BannerImage  string `json:"bannerImage"`
	AverageScore int    `json:"averageScore"`
	Popularity   int    `json:"popularity"`
	Favourites   int    `json:"favourites"`
	StartDate    aniListFuzzyDate `json:"startDate"`
	EndDate      aniListFuzzyDate `json:"endDate"`
	NextAiringEpisode *struct {
		Episode         int   `json:"episode"`
		AiringAt        int64 `json:"airingAt"`
		TimeUntilAiring int64 `json:"timeUntilAiring"`
	} `json:"nextAiringEpisode"`
	MediaListEntry *struct {
		Status    string  `json:"status"`
		Progress  int     `json:"progress"`
		Score     float64 `json:"score"`
		Notes     string  `json:"notes"`
		UpdatedAt int64   `json:"updatedAt"`
	} `json:"mediaListEntry"`
}

type aniListFuzzyDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

func (d aniListFuzzyDate) String() string {
	if d.Year == 0 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func mapAniListStatus(raw string) models.MediaStatus {
	switch raw {
	case "FINISHED":
		return models.StatusFinished
	case "RELEASING":
		return models.StatusReleasing
	case "NOT_YET_RELEASED":
		return models.StatusNotYetRelease
	case "CANCELLED":
		return models.StatusCancelled
	case "HIATUS":
		return models.StatusHiatus
	default:
		return ""
	}
}

func (m aniListMedia) toMediaItem() models.MediaItem {
	tags := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		tags = append(tags, t.Name)
	}
	studios := make([]string, 0, len(m.Studios.Nodes))
	for _, s := range m.Studios.Nodes {
		studios = append(studios, s.Name)
	}

	item := models.MediaItem{
		ID: m.ID, MALID: m.IDMal,
		Title: models.Titles{English: m.Title.English, Romaji: m.Title.Romaji, Native: m.Title.Native, Synonyms: m.Synonyms},
		Kind:  models.KindAnime, Status: mapAniListStatus(m.Status), Format: m.Format,
		Episodes: m.Episodes, Duration: m.Duration, Genres: m.Genres, Tags: tags, Studios: studios,
		CoverImage: m.CoverImage.ExtraLarge, BannerImage: m.BannerImage,
		Score: float64(m.AverageScore) / 10, Popularity: m.Popularity, Favourites: m.Favourites,
		StartDate: m.StartDate.String(), EndDate: m.EndDate.String(),
	}
	if m.NextAiringEpisode != nil {
		item.NextAiring = &models.NextAiringEpisode{
			Episode: m.NextAiringEpisode.Episode, AiringAt: m.NextAiringEpisode.AiringAt,
			TimeUntilAiring: m.NextAiringEpisode.TimeUntilAiring,
		}
	}
	if m.MediaListEntry != nil {
		item.UserStatus = &models.UserStatus{
			Status: models.ListStatus(m.MediaListEntry.Status), Progress: fmt.Sprintf("%d", m.MediaListEntry.Progress),
			Score: m.MediaListEntry.Score, Notes: m.MediaListEntry.Notes,
		}
	}
	return item
}

func normalizePaging(page, perPage int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	return page, perPage
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (c *aniListCatalog) send(ctx context.Context, query string, variables map[string]any, token string, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, aniListEndpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("anilist: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("anilist: status %d: %s", resp.StatusCode, string(body)))
		}
		return json.Unmarshal(body, out)
	}, retry.Attempts(3), retry.Context(ctx))
}
