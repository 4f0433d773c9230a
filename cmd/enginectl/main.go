// Command enginectl wires the playback/download orchestration engine's
// core components (C1-C12) together and exercises them through a small
// set of subcommands. The interactive menu tree this would normally sit
// behind is out of scope; this is just enough of an entry
// point to drive the engine end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xqi1337/nekoengine/config"
	"github.com/xqi1337/nekoengine/internal/auth"
	"github.com/xqi1337/nekoengine/internal/catalog"
	"github.com/xqi1337/nekoengine/internal/downloader"
	"github.com/xqi1337/nekoengine/internal/history"
	"github.com/xqi1337/nekoengine/internal/ipc"
	"github.com/xqi1337/nekoengine/internal/player"
	"github.com/xqi1337/nekoengine/internal/provider"
	"github.com/xqi1337/nekoengine/internal/queue"
	"github.com/xqi1337/nekoengine/internal/registry"
	"github.com/xqi1337/nekoengine/internal/resolver"
	"github.com/xqi1337/nekoengine/internal/session"
	"github.com/xqi1337/nekoengine/internal/worker"
	"github.com/xqi1337/nekoengine/models"
)

// engine bundles every constructed service; each subcommand uses the
// subset it needs.
type engine struct {
	settings config.Settings
	logger   *log.Logger

	auth     *auth.Service
	session  *session.Service
	registry *registry.Service
	catalog  catalog.Catalog
	queue    *queue.Service
	history  *history.Service
	worker   *worker.Service
	player   *player.Service
	backend  player.Backend
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: enginectl [-config path] [-datadir dir] <serve|search|download|play>")
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "path to config.json (default: <datadir>/config.json)")
	dataDir := flag.String("datadir", defaultDataDir(), "application data directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "config.json")
	}

	eng, err := build(*dataDir, *configPath)
	if err != nil {
		log.Fatalf("enginectl: build: %v", err)
	}

	ctx := context.Background()
	frames := []models.MenuFrame{{Screen: args[0], Params: map[string]any{"args": args[1:]}}}

	// Session Persistence (C11): a crash copy is written under a distinct
	// name on panic, a normal-exit copy on graceful return, then the
	// panic is rethrown so the process still exits nonzero.
	defer func() {
		if r := recover(); r != nil {
			if err := eng.session.SaveCrash(frames); err != nil {
				eng.logger.Printf("save crash session: %v", err)
			}
			panic(r)
		}
	}()

	switch args[0] {
	case "serve":
		eng.cmdServe(ctx)
	case "search":
		eng.cmdSearch(ctx, args[1:])
	case "download":
		eng.cmdDownload(ctx, args[1:])
	case "play":
		eng.cmdPlay(ctx, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err := eng.session.SaveDefault(frames); err != nil {
		eng.logger.Printf("save session: %v", err)
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "enginectl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".enginectl"
	}
	return filepath.Join(home, ".cache", "enginectl")
}

// build loads configuration, sets up the rotating log sink, and wires
// every component, passing each service the same frozen config struct
// at construction.
func build(dataDir, configPath string) (*engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	mgr := config.NewManager(configPath)
	settings, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logPath := settings.Log.Path
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(dataDir, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	fileSink := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAge:     settings.Log.MaxAgeDays,
		Compress:   settings.Log.Compress,
	}
	multi := io.MultiWriter(os.Stdout, fileSink)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logger := log.New(multi, "[enginectl] ", log.LstdFlags)

	storageDir := settings.Registry.StorageDir
	if !filepath.IsAbs(storageDir) {
		storageDir = filepath.Join(dataDir, storageDir)
	}
	downloadsDir := settings.Registry.DownloadsDir
	if !filepath.IsAbs(downloadsDir) {
		downloadsDir = filepath.Join(dataDir, downloadsDir)
	}

	authSvc, err := auth.NewService(storageDir)
	if err != nil {
		return nil, fmt.Errorf("auth store: %w", err)
	}

	sessionSvc, err := session.NewService(storageDir)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	registrySvc, err := registry.NewService(registry.Options{
		StorageDir:   storageDir,
		API:          settings.Catalog.Variant,
		StaleTimeout: settings.Registry.LockStaleTimeout,
		Logger:       log.New(multi, "[registry] ", log.LstdFlags),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	catalogSvc, err := catalog.Factory(settings.Catalog.Variant, authSvc)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	torrentFetcher, err := downloader.NewAnacrolixTorrentFetcher(filepath.Join(dataDir, "torrent"))
	if err != nil {
		logger.Printf("torrent fetcher unavailable, torrent downloads will fail: %v", err)
	}
	downloaderSvc := downloader.NewService(downloader.Options{
		Torrent: torrentFetcher,
		Logger:  log.New(multi, "[downloader] ", log.LstdFlags),
	})

	queueSvc := queue.NewService(queue.Options{
		Registry:               registrySvc,
		Downloader:              downloaderSvc,
		ProviderTag:             settings.Provider.DefaultTag,
		DownloadsDir:            downloadsDir,
		MaxConcurrentDownloads:  settings.Downloader.MaxConcurrentDownloads,
		MaxRetries:              settings.Downloader.MaxRetries,
		Logger:                  log.New(multi, "[queue] ", log.LstdFlags),
	})

	historySvc := history.NewService(history.Options{
		EpisodeCompleteAt:    settings.Tracker.EpisodeCompleteAt,
		PreferredTracker:     settings.Tracker.PreferredTracker,
		ForceForwardTracking: settings.Tracker.ForceForwardTracking,
		Logger:               log.New(multi, "[history] ", log.LstdFlags),
	})
	historySvc.SetRegistry(registrySvc)
	historySvc.SetCatalogClient(catalogSvc)

	workerSvc := worker.NewService(worker.Options{
		Catalog:                     catalogSvc,
		Registry:                    registrySvc,
		Queue:                       queueSvc,
		Notifier:                    worker.NewOSNotifier(),
		NotificationCheckInterval:   settings.Worker.NotificationCheckInterval,
		DownloadCheckInterval:       settings.Worker.DownloadCheckInterval,
		DownloadCheckFailedInterval: settings.Worker.DownloadCheckFailedInterval,
		Logger:                      log.New(multi, "[worker] ", log.LstdFlags),
	})

	backend := newPlayerBackend(settings.Player)
	playerSvc := player.NewService(player.Options{
		Backend: backend,
		Logger:  log.New(multi, "[player] ", log.LstdFlags),
	})

	return &engine{
		settings: settings,
		logger:   logger,
		auth:     authSvc,
		session:  sessionSvc,
		registry: registrySvc,
		catalog:  catalogSvc,
		queue:    queueSvc,
		history:  historySvc,
		worker:   workerSvc,
		player:   playerSvc,
		backend:  backend,
	}, nil
}

func newPlayerBackend(p config.PlayerSettings) player.Backend {
	cfg := player.Config{ExtraArgs: p.ExtraArgs}
	switch p.Backend {
	case "vlc":
		return player.NewVLCBackend(cfg)
	case "syncplay":
		return player.NewSyncplayBackend(cfg)
	case "android":
		return player.NewAndroidBackend(cfg, "is.xyz.mpv", "is.xyz.mpv.MPVActivity")
	default:
		return player.NewMPVBackend(cfg)
	}
}

// cmdServe runs the Background Worker (C10) and the Download Queue's
// worker pool (C6) until SIGINT/SIGTERM.
func (e *engine) cmdServe(ctx context.Context) {
	e.logger.Println("starting background worker and download queue")
	e.queue.Start(ctx)
	e.worker.Start(ctx)

	if err := e.queue.ResumeUnfinishedDownloads(ctx); err != nil {
		e.logger.Printf("resume unfinished downloads: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	e.logger.Println("shutdown signal received, stopping")

	e.worker.Stop()
	e.queue.Stop()
	e.logger.Println("shutdown complete")
}

func (e *engine) cmdSearch(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	query := fs.String("query", "", "title text to search for")
	remote := fs.Bool("remote", false, "search the remote catalog instead of the local registry")
	_ = fs.Parse(args)

	if *remote {
		result, err := e.catalog.SearchMedia(ctx, catalog.MediaSearchParams{Query: *query, Page: 1, PerPage: 20})
		if err != nil {
			e.logger.Fatalf("remote search: %v", err)
		}
		for _, item := range result.Items {
			fmt.Printf("%d\t%s\n", item.ID, item.PreferredTitle())
		}
		return
	}

	records, _ := e.registry.SearchForMedia(registry.SearchParams{Query: *query, Sort: "title"})
	for _, rec := range records {
		fmt.Printf("%d\t%s\n", rec.MediaItem.ID, rec.MediaItem.PreferredTitle())
	}
}

// cmdDownload runs the Title Resolver (C4) and the Download Queue's
// foreground path (C6's download_episodes_sync) for a comma-separated
// episode list.
func (e *engine) cmdDownload(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	mediaID := fs.Int("media-id", 0, "catalog media id")
	title := fs.String("title", "", "fallback title if the catalog entry isn't cached locally")
	episodes := fs.String("episodes", "", "comma-separated episode numbers, e.g. 1,2,3")
	_ = fs.Parse(args)

	item, err := e.resolveMediaItem(ctx, *mediaID, *title)
	if err != nil {
		e.logger.Fatalf("resolve media item: %v", err)
	}

	eps := splitEpisodes(*episodes)
	if len(eps) == 0 {
		e.logger.Fatalf("no episodes given")
	}

	if err := e.queue.DownloadEpisodesSync(ctx, item, eps); err != nil {
		e.logger.Fatalf("download: %v", err)
	}
	e.logger.Printf("downloaded %d episode(s) of %s", len(eps), item.PreferredTitle())
}

// cmdPlay resolves a provider anime handle, starts an IPC-controlled
// playback session when possible, and records the result with the
// Watch-History Tracker (C7), exercising the full C3/C4/C8/C9 chain.
func (e *engine) cmdPlay(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	mediaID := fs.Int("media-id", 0, "catalog media id")
	title := fs.String("title", "", "fallback title if the catalog entry isn't cached locally")
	episode := fs.String("episode", "1", "episode number to play")
	providerTag := fs.String("provider", e.settings.Provider.DefaultTag, "provider tag")
	useIPC := fs.Bool("ipc", e.settings.Player.UseIPC, "drive the player over its IPC socket")
	_ = fs.Parse(args)

	item, err := e.resolveMediaItem(ctx, *mediaID, *title)
	if err != nil {
		e.logger.Fatalf("resolve media item: %v", err)
	}

	prov, err := provider.Factory(*providerTag)
	if err != nil {
		e.logger.Fatalf("provider factory: %v", err)
	}

	results, err := prov.Search(ctx, provider.SearchParams{Query: item.PreferredTitle(), TranslationType: models.TranslationSub})
	if err != nil {
		e.logger.Fatalf("provider search: %v", err)
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	key, ok := resolver.ResolveOrdered(keys, *providerTag, item)
	if !ok {
		e.logger.Fatalf("no provider match for %q", item.PreferredTitle())
	}
	hit := results[key]

	anime, err := prov.Get(ctx, provider.AnimeParams{ID: hit.ID, Query: item.PreferredTitle()})
	if err != nil {
		e.logger.Fatalf("provider get: %v", err)
	}

	it, err := prov.EpisodeStreams(ctx, provider.EpisodeStreamsParams{
		AnimeID: anime.ID, Episode: *episode, TranslationType: models.TranslationSub, Subtitles: true,
	})
	if err != nil {
		e.logger.Fatalf("episode streams: %v", err)
	}
	server, ok, err := it.Next(ctx)
	_ = it.Close()
	if err != nil {
		e.logger.Fatalf("episode streams: %v", err)
	}
	if !ok {
		e.logger.Fatalf("no streams for episode %s", *episode)
	}

	params := player.Params{
		URL:       bestLink(server),
		Title:     item.PreferredTitle(),
		Headers:   server.Headers,
		Subtitles: server.Subtitles,
		UseIPC:    *useIPC,
		HasAnime:  true,
	}

	if *useIPC {
		runtimeDir := filepath.Join(os.TempDir(), "enginectl")
		sess := ipc.NewSession(ipc.Options{
			Backend:         e.backend,
			RuntimeDir:      runtimeDir,
			Fallback:        e.player,
			StreamFetcher:   ipc.NewProviderStreamFetcher(prov),
			Registry:        ipc.NewRegistryLookup(e.registry),
			MediaID:         item.ID,
			AnimeID:         anime.ID,
			Episode:         *episode,
			TranslationType: models.TranslationSub,
			EpisodeList:     anime.Episodes.Sub,
			AutoNext:        e.settings.Player.AutoNext,
			EpisodeCompleteAt: e.settings.Tracker.EpisodeCompleteAt,
			ConnectTimeout:  e.settings.Player.ConnectTimeout,
			CommandTimeout:  e.settings.Player.CommandTimeout,
			Logger:          log.New(os.Stderr, "[ipc] ", log.LstdFlags),
		})
		e.player.SetIPCController(sess)
	}

	result, err := e.player.Play(ctx, params)
	if err != nil {
		e.logger.Fatalf("play: %v", err)
	}

	stop, _ := time.ParseDuration(hhmmssToGoDuration(result.StopTime))
	total, _ := time.ParseDuration(hhmmssToGoDuration(result.TotalTime))
	if err := e.history.Track(ctx, item, history.PlaybackResult{
		Episode:   valueOr(result.Episode, *episode),
		StopTime:  stop,
		TotalTime: total,
	}); err != nil {
		e.logger.Printf("track watch history: %v", err)
	}
}

// resolveMediaItem fetches item from the registry if a record already
// exists; otherwise it builds a minimal MediaItem from title/mediaID so
// the download/play paths can proceed against an as-yet-untracked entry.
func (e *engine) resolveMediaItem(ctx context.Context, mediaID int, title string) (models.MediaItem, error) {
	if rec, err := e.registry.GetMediaRecord(mediaID); err == nil {
		return rec.MediaItem, nil
	}
	if title == "" {
		return models.MediaItem{}, fmt.Errorf("media id %d not in registry; pass -title", mediaID)
	}
	item := models.MediaItem{ID: mediaID, Kind: models.KindAnime, Title: models.Titles{English: title, Romaji: title}}
	if _, err := e.registry.GetOrCreateRecord(ctx, item); err != nil {
		return models.MediaItem{}, err
	}
	return item, nil
}

func splitEpisodes(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func bestLink(srv *models.Server) string {
	if len(srv.Links) == 0 {
		return ""
	}
	best := srv.Links[0]
	for _, l := range srv.Links[1:] {
		if l.Quality > best.Quality {
			best = l
		}
	}
	return best.URL
}

// hhmmssToGoDuration converts "HH:MM:SS" into a Go duration literal like
// "1h2m3s" since time.ParseDuration doesn't accept colon-separated input.
func hhmmssToGoDuration(hhmmss string) string {
	parts := strings.Split(hhmmss, ":")
	if len(parts) != 3 {
		return "0s"
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.Atoi(parts[2])
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
