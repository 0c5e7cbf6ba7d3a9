package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"chatsync/internal/sweeper"
	"chatsync/pkg/api"
	"chatsync/pkg/blob"
	"chatsync/pkg/config"
	"chatsync/pkg/ephemeral"
	"chatsync/pkg/ingest"
	"chatsync/pkg/logger"
	"chatsync/pkg/presence"
	"chatsync/pkg/state"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"
	"chatsync/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	es       *ephemeral.Store
	presence *presence.Tracker
	typing   *presence.Signal
	blobs    *blob.Store

	srv      *http.Server
	stopWork chan struct{}
}

// New initializes resources that do not require a running context: the
// state layout, the document store, the blob store, the ephemeral store
// and the handler wiring. It does not start workers or the HTTP server;
// call Run to start those and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys
	runtimeCfg := &config.RuntimeConfig{
		BackendKeys:  map[string]struct{}{},
		FrontendKeys: map[string]struct{}{},
		AdminKeys:    map[string]struct{}{},
	}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
	}
	for _, k := range eff.Config.Security.APIKeys.Frontend {
		runtimeCfg.FrontendKeys[k] = struct{}{}
	}
	for _, k := range eff.Config.Security.APIKeys.Admin {
		runtimeCfg.AdminKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	initLimits(eff)

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state layout under %s: %w", eff.DBPath, err)
	}
	dirs := state.Layout(eff.DBPath)

	if err := logger.AttachAuditFileSink(dirs.Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	if err := store.Open(dirs.Store); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dirs.Store, err)
	}

	blobDir := eff.Config.Blobs.Dir
	if blobDir == "" {
		blobDir = dirs.Blobs
	} else if !filepath.IsAbs(blobDir) {
		blobDir = filepath.Join(eff.DBPath, blobDir)
	}
	blobs, err := blob.Open(blobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store at %s: %w", blobDir, err)
	}
	stream.SetBlobStore(blobs)

	es := ephemeral.New()
	tracker := presence.NewTracker(es)
	typing := presence.NewSignal(es)

	api.SetDeps(api.Deps{
		Presence:       tracker,
		Typing:         typing,
		Blobs:          blobs,
		Uploader:       blob.NewUploader(blobs),
		AllowedOrigins: eff.Config.Security.CORS.AllowedOrigins,
	})
	if n := eff.Config.Blobs.MaxUploadSize.Int64(); n > 0 {
		api.SetMaxUploadSize(n)
	}

	if qc := eff.Config.Ingest.QueueCapacity; qc > 0 {
		ingest.SetDefaultQueue(ingest.NewQueue(qc))
	}
	if n := eff.Config.Ingest.MaxPooledBufferBytes.Int64(); n > 0 {
		ingest.SetMaxPooledBuffer(int(n))
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		es:        es,
		presence:  tracker,
		typing:    typing,
		blobs:     blobs,
		stopWork:  make(chan struct{}),
	}
	return a, nil
}

// Run starts the workers, the sweeper and the HTTP listeners, and blocks
// until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	workers := a.eff.Config.Ingest.Workers
	if workers <= 0 {
		workers = 4
	}
	ingest.StartWorkers(ingest.DefaultQueue, workers, a.stopWork)

	sweepCancel, err := sweeper.Start(ctx, a.eff.Config.Sweeper, sweeper.Deps{
		Typing: a.typing,
		Blobs:  a.blobs,
	})
	if err != nil {
		return err
	}
	defer sweepCancel()

	errCh := a.startHTTP(ctx)
	fastErrCh := a.startFastIngest()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	case err := <-fastErrCh:
		a.shutdown()
		return err
	}
}

// shutdown drains in-flight work and closes the store. Order matters:
// listeners stop first so nothing new is queued, then the queue drains,
// then the store closes.
func (a *App) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(ctx)
	}
	close(a.stopWork)
	ingest.DefaultQueue.CloseAndDrain()
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

// initLimits installs payload limits from config.
func initLimits(eff config.EffectiveConfigResult) {
	l := eff.Config.Limits
	validation.SetLimits(validation.Limits{
		MaxTextLen:     l.MaxTextLen,
		MaxAttachments: l.MaxAttachments,
		MaxEmojiLen:    l.MaxEmojiLen,
		MaxIDLen:       l.MaxIDLen,
	})
}
