// Package provider implements the Provider Set (C3): a uniform
// three-operation contract over a heterogeneous set of scrapers, behind a
// tagged factory.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/xqi1337/nekoengine/models"
)

// ErrNoResults is returned by Search/Get to mean "well-formed empty
// response", never wrapped as a hard failure; only network/parse errors are
// hard failures per the ProviderError taxonomy.
var ErrNoResults = errors.New("provider: no results")

// SearchParams is the input to Provider.Search.
type SearchParams struct {
	Query           string
	TranslationType models.TranslationType
}

// AnimeParams is the input to Provider.Get.
type AnimeParams struct {
	ID    string
	Query string
}

// EpisodeStreamsParams is the input to Provider.EpisodeStreams.
type EpisodeStreamsParams struct {
	AnimeID         string
	Query           string
	Episode         string
	TranslationType models.TranslationType
	Quality         models.Quality
	Server          string
	Subtitles       bool
}

// ServerIterator is a lazy, ordered, pull-based cursor over a provider's
// servers for one episode. Callers may stop after the first Next call
// without paying for the rest; Close aborts any in-flight HTTP fetch.
type ServerIterator interface {
	// Next returns the next server in preference order. ok is false once
	// exhausted; err is non-nil only on a hard failure.
	Next(ctx context.Context) (srv *models.Server, ok bool, err error)
	Close() error
}

// Provider is the uniform contract every scraper implements.
type Provider interface {
	Name() string
	RequiredHeaders() map[string]string
	Search(ctx context.Context, p SearchParams) (map[string]models.SearchResult, error)
	Get(ctx context.Context, p AnimeParams) (*models.Anime, error)
	EpisodeStreams(ctx context.Context, p EpisodeStreamsParams) (ServerIterator, error)
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
}

func randomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// headerInjectingTransport adds a provider's required headers plus a random
// User-Agent to every outgoing request.
type headerInjectingTransport struct {
	base    http.RoundTripper
	headers map[string]string
	ua      string
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(clone)
}

// newHTTPClient builds a client dedicated to one provider instance, carrying
// its own default headers.
func newHTTPClient(headers map[string]string) *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &headerInjectingTransport{
			base:    http.DefaultTransport,
			headers: headers,
			ua:      randomUserAgent(),
		},
	}
}

// Factory returns a ready Provider instance for tag, one of "allanime",
// "animepahe", "hianime", "animeunity", "yugen", "nyaa".
func Factory(tag string) (Provider, error) {
	switch tag {
	case "allanime":
		return newAllAnimeProvider(), nil
	case "animepahe":
		return newHTMLScrapeProvider("animepahe", "https://animepahe.ru"), nil
	case "hianime":
		return newHTMLScrapeProvider("hianime", "https://hianime.to"), nil
	case "animeunity":
		return newHTMLScrapeProvider("animeunity", "https://animeunity.so"), nil
	case "yugen":
		return newHTMLScrapeProvider("yugen", "https://yugenanime.tv"), nil
	case "nyaa":
		return newNyaaProvider(), nil
	default:
		return nil, fmt.Errorf("provider: unknown tag %q", tag)
	}
}
