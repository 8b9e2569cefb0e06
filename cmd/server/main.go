package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fassets/internal/assetmanager"
	"fassets/internal/attestation"
	"fassets/internal/collateralpool"
	"fassets/internal/config"
	"fassets/internal/corevault"
	"fassets/internal/events"
	"fassets/internal/eventstore"
	"fassets/internal/fasset"
	"fassets/internal/idempotency"
	"fassets/internal/journal"
	"fassets/internal/server"
	"fassets/internal/snapshot"
	"fassets/internal/stream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := newLogger(cfg.Service.LogDev)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) error {
	logger = logger.With(zap.String("asset", cfg.Settings.AssetSymbol))
	metrics := server.NewMetrics()

	store, err := openEventStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	journalDir := filepath.Join(cfg.Service.DataDir, "journal")
	lastSeq, err := rebuildIndex(ctx, store, journalDir, logger)
	if err != nil {
		return err
	}
	jw := journal.NewWriter(journalDir)
	defer func() { _ = jw.Close() }()

	hub := stream.NewHub(logger.Named("stream"),
		stream.WithQueue(cfg.Service.StreamQueue),
		stream.WithBacklog(func(ctx context.Context, after uint64) ([]events.Envelope, error) {
			return store.List(ctx, eventstore.Query{AfterSeq: after, Limit: eventstore.MaxLimit})
		}))
	defer hub.Close()

	pub := events.NewPublisher(logger.Named("events"), time.Now, jw, store, hub)
	pub.Resume(lastSeq)

	verifier, rpcHealth, closeVerifier, err := newVerifier(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer closeVerifier()

	pools := collateralpool.NewPools()
	token := fasset.NewLedger()
	cv, err := newCoreVault(cfg, verifier, pub, logger)
	if err != nil {
		return err
	}

	deps := assetmanager.Deps{
		Verifier: verifier,
		Pools:    pools,
		Token:    token,
		Emitter:  pub,
		Log:      logger.Named("engine"),
	}
	if cv != nil {
		deps.CoreVault = cv
	}
	engine, err := assetmanager.New(cfg.Settings, deps)
	if err != nil {
		return err
	}

	snaps := &snapshotter{
		dir:     filepath.Join(cfg.Service.DataDir, "snapshots"),
		keep:    cfg.Service.SnapshotKeep,
		sources: snapshot.Sources{Engine: engine, Pools: pools, Token: token, CoreVault: cv},
		pub:     pub,
		log:     logger.Named("snapshot"),
	}
	if snaps.hash, err = snapshot.SettingsHash(cfg.Settings); err != nil {
		return err
	}
	if err := snaps.restore(); err != nil {
		return err
	}

	idem, closeIdem, err := openIdempotencyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	api, err := server.NewServer(cfg, server.Deps{
		Engine:      engine,
		Pools:       pools,
		Token:       token,
		CoreVault:   cv,
		Events:      store,
		Hub:         hub,
		Publisher:   pub,
		Idempotency: idem,
		Metrics:     metrics,
		RPCHealth:   rpcHealth,
		Governance:  cfg.Deployment.GovernanceAddress(),
		Log:         logger.Named("api"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	if cv != nil && cfg.Service.CoreVaultTrigger > 0 {
		g.Go(func() error {
			every(gctx, cfg.Service.CoreVaultTrigger, func() {
				if n := cv.TriggerInstructions(time.Now()); n > 0 {
					logger.Info("core vault instructions issued", zap.Int("count", n))
				}
			})
			return nil
		})
	}
	if cfg.Service.SnapshotEvery > 0 {
		g.Go(func() error {
			every(gctx, cfg.Service.SnapshotEvery, func() {
				if err := snaps.take(); err != nil {
					logger.Error("snapshot failed", zap.Error(err))
				}
				pruneJournal(journalDir, cfg.Service.JournalRetention, logger)
				sweepIdempotency(gctx, idem, logger)
			})
			return nil
		})
	}

	err = g.Wait()
	if serr := snaps.take(); serr != nil {
		logger.Error("final snapshot failed", zap.Error(serr))
	}
	return err
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func openEventStore(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (eventstore.Store, error) {
	if cfg.Service.DatabaseURL != "" {
		logger.Info("event index on postgres")
		return eventstore.OpenPostgres(ctx, cfg.Service.DatabaseURL)
	}
	logger.Info("event index on sqlite", zap.String("path", cfg.Service.EventDBPath))
	return eventstore.OpenSQLite(cfg.Service.EventDBPath, cfg.Service.EventQueue, logger.Named("eventstore"))
}

// rebuildIndex appends journal entries the index is missing and returns the
// last journaled sequence.
func rebuildIndex(ctx context.Context, store eventstore.Store, dir string, logger *zap.Logger) (uint64, error) {
	indexed, err := store.LastSeq(ctx)
	if err != nil {
		return 0, err
	}
	last := indexed
	replayed := 0
	err = journal.Replay(dir, indexed, func(env events.Envelope) error {
		replayed++
		last = max(last, env.Seq)
		return store.Append(ctx, env)
	})
	if err != nil {
		return 0, err
	}
	if replayed > 0 {
		logger.Info("event index rebuilt from journal", zap.Int("events", replayed), zap.Uint64("seq", last))
	}
	return last, nil
}

// newVerifier checks proofs against the relay when one is configured, and
// accepts every proof otherwise.
func newVerifier(ctx context.Context, cfg *config.AppConfig, metrics *server.Metrics, logger *zap.Logger) (attestation.Verifier, func(context.Context) error, func(), error) {
	if !cfg.Chain.RelayConfigured() {
		logger.Warn("no relay configured, accepting all proofs")
		return attestation.NewMockVerifier(true), nil, func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	roots, err := attestation.NewEthRootSource(dialCtx, attestation.EthRootSourceConfig{
		RPCURL:       cfg.Chain.RPCURL,
		RelayAddress: cfg.Chain.RelayAddress,
		ProtocolID:   cfg.Chain.ProtocolID,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	retrying := &attestation.RetryingRoots{
		Roots:   roots,
		Policy:  cfg.Chain.Retry,
		Observe: metrics.ObserveRetry,
		Log:     logger.Named("relay"),
	}
	v, err := attestation.NewRelayVerifier(retrying, cfg.Chain.ProofCacheSize, logger.Named("verifier"))
	if err != nil {
		roots.Close()
		return nil, nil, nil, err
	}
	return v, roots.Ping, roots.Close, nil
}

func newCoreVault(cfg *config.AppConfig, verifier attestation.Verifier, emitter events.Emitter, logger *zap.Logger) (*corevault.Manager, error) {
	cvSettings, ok := config.CoreVaultSettings(cfg.Settings)
	if !ok {
		logger.Info("core vault disabled")
		return nil, nil
	}
	cv, err := corevault.NewManager(cvSettings, verifier, emitter, logger.Named("corevault"))
	if err != nil {
		return nil, err
	}
	cv.AddAllowedDestinationAddresses(cfg.Deployment.CoreVault.AllowedDestinations...)
	if hashes := cfg.Deployment.PreimageHashes(); len(hashes) > 0 {
		if err := cv.AddPreimageHashes(hashes...); err != nil {
			return nil, err
		}
	}
	return cv, nil
}

func openIdempotencyStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Service.DatabaseURL != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}

func pruneJournal(dir string, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	removed, err := journal.Prune(dir, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("journal prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("journal pruned", zap.Int("files", removed))
	}
}

func sweepIdempotency(ctx context.Context, store idempotency.Store, logger *zap.Logger) {
	n, err := store.Sweep(ctx, time.Now())
	if err != nil {
		logger.Warn("idempotency sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Debug("idempotency records expired", zap.Int("count", n))
	}
}
