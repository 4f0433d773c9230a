package ipc

import (
	"context"
	"fmt"

	"github.com/xqi1337/nekoengine/internal/provider"
	"github.com/xqi1337/nekoengine/internal/registry"
	"github.com/xqi1337/nekoengine/models"
)

// providerStreamFetcher adapts a provider.Provider's lazy ServerIterator
// into the map-shaped StreamFetcher the episode-switch worker wants.
type providerStreamFetcher struct {
	provider provider.Provider
	quality  models.Quality
}

// NewProviderStreamFetcher wires a provider.Provider as this session's
// StreamFetcher, draining its ServerIterator into a name-keyed map.
func NewProviderStreamFetcher(p provider.Provider) StreamFetcher {
	return &providerStreamFetcher{provider: p}
}

func (f *providerStreamFetcher) FetchStreams(ctx context.Context, animeID, episode string, tt models.TranslationType) (map[string]*models.Server, error) {
	it, err := f.provider.EpisodeStreams(ctx, provider.EpisodeStreamsParams{
		AnimeID:         animeID,
		Episode:         episode,
		TranslationType: tt,
		Quality:         f.quality,
		Subtitles:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: fetch streams: %w", err)
	}
	defer it.Close()

	servers := make(map[string]*models.Server)
	for {
		srv, ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("ipc: fetch streams: %w", err)
		}
		if !ok {
			break
		}
		servers[srv.Name] = srv
	}
	if len(servers) == 0 {
		return nil, provider.ErrNoResults
	}
	return servers, nil
}

// registryLookup adapts the Registry Store (C1) into the LocalLookup a
// local-downloads session needs to resolve an episode's file path.
type registryLookup struct {
	registry *registry.Service
}

// NewRegistryLookup wires a registry.Service as this session's LocalLookup.
func NewRegistryLookup(reg *registry.Service) LocalLookup {
	return &registryLookup{registry: reg}
}

func (r *registryLookup) EpisodeFilePath(mediaID int, episode string) (string, bool) {
	rec, err := r.registry.GetMediaRecord(mediaID)
	if err != nil {
		return "", false
	}
	ep, ok := rec.EpisodeByNumber(episode)
	if !ok || ep.FilePath == "" {
		return "", false
	}
	return ep.FilePath, true
}
