// Package catalog implements the Catalog Client (C2): a polymorphic remote
// media-list API with a GraphQL-backed and a REST-backed variant behind one
// interface.
package catalog

import (
	"context"
	"errors"

	"github.com/xqi1337/nekoengine/models"
)

// ErrNotAuthenticated is returned by operations that require a stored token
// when none is present.
var ErrNotAuthenticated = errors.New("catalog: not authenticated")

// MediaSearchParams mirrors the catalog's search_media filter set. Zero
// values mean "unset"; Type defaults to ANIME and adult content is always
// excluded regardless of what the caller passes.
type MediaSearchParams struct {
	Query         string
	Page          int
	PerPage       int
	Sort          string
	IDIn          []int
	GenreIn       []string
	GenreNotIn    []string
	TagIn         []string
	TagNotIn      []string
	StatusIn      []models.MediaStatus
	StatusNotIn   []models.MediaStatus
	PopularityGT  int
	PopularityLT  int
	ScoreGT       int
	ScoreLT       int
	Season        string
	SeasonYear    int
	StartDateGT   string
	StartDateLT   string
	EndDateGT     string
	EndDateLT     string
	FormatIn      []string
	Type          string
	OnList        *bool
}

// UserMediaListSearchParams is MediaSearchParams scoped to the
// authenticated viewer's list, filtered by ListStatus.
type UserMediaListSearchParams struct {
	MediaSearchParams
	ListStatus models.ListStatus
}

// UpdateUserMediaListEntryParams is the partial-update payload for
// update_list_entry; nil fields are left untouched remotely.
type UpdateUserMediaListEntryParams struct {
	MediaID  int
	Status   *models.ListStatus
	Progress *int
	Score    *float64
}

// MediaSearchResult is the generic paged result every search-style
// operation returns.
type MediaSearchResult struct {
	Items      []models.MediaItem
	Page       int
	PerPage    int
	HasMore    bool
	TotalCount int
}

// Character, Review, and AiringScheduleEntry are thin aggregate-query
// result shapes; remote fields with no generic equivalent are dropped.
type Character struct {
	ID    int
	Name  string
	Image string
	Role  string
}

type Review struct {
	ID      int
	Summary string
	Score   int
	Author  string
}

type AiringScheduleEntry struct {
	MediaID  int
	Episode  int
	AiringAt int64
}

// Catalog is the uniform contract both the GraphQL and REST variants
// implement.
type Catalog interface {
	Authenticate(ctx context.Context, token string) (*models.UserProfile, error)
	IsAuthenticated() bool
	GetViewerProfile(ctx context.Context) (*models.UserProfile, error)

	SearchMedia(ctx context.Context, p MediaSearchParams) (*MediaSearchResult, error)
	SearchMediaList(ctx context.Context, p UserMediaListSearchParams) (*MediaSearchResult, error)
	UpdateListEntry(ctx context.Context, p UpdateUserMediaListEntryParams) (bool, error)
	DeleteListEntry(ctx context.Context, mediaID int) (bool, error)

	GetRecommendationFor(ctx context.Context, mediaID int) ([]models.MediaItem, error)
	GetCharactersOf(ctx context.Context, mediaID int) ([]Character, error)
	GetRelatedAnimeFor(ctx context.Context, mediaID int) ([]models.MediaItem, error)
	GetAiringScheduleFor(ctx context.Context, mediaID int) ([]AiringScheduleEntry, error)
	GetReviewsFor(ctx context.Context, mediaID int) ([]Review, error)

	GetNotifications(ctx context.Context) ([]models.Notification, error)
}

// TokenStore persists the bearer token/user profile across process
// restarts; internal/auth.Service satisfies this.
type TokenStore interface {
	Get(api string) (*models.AuthRecord, bool)
	Save(ctx context.Context, api string, rec models.AuthRecord) error
	Clear(api string) error
}

// Factory returns a ready Catalog for tag, one of "anilist" (GraphQL) or
// "mal" (REST), with auth persisted under apiTag in store.
func Factory(tag string, store TokenStore) (Catalog, error) {
	switch tag {
	case "anilist":
		return newAniListCatalog(store), nil
	case "mal":
		return newMALCatalog(store), nil
	default:
		return nil, errNotSupported(tag)
	}
}

func errNotSupported(tag string) error {
	return errors.New("catalog: unsupported tag " + tag)
}
