package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/systemshift/atrepo/internal/config"
	"github.com/systemshift/atrepo/internal/identity"
	"github.com/systemshift/atrepo/internal/metrics"
	"github.com/systemshift/atrepo/internal/repo"
	"github.com/systemshift/atrepo/internal/storage"
	"github.com/systemshift/atrepo/internal/storage/badgerstore"
	"github.com/systemshift/atrepo/internal/storage/memstore"
	"github.com/systemshift/atrepo/internal/storage/sqlstore"
)

// app is the process state one command runs against.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	actors   *storage.Actors
	id       *identity.Identity
	signer   *identity.KeySigner
	resolver *identity.StaticResolver
	did      string
	clock    *repo.TIDClock
	server   *http.Server
}

func openApp(ctx context.Context, cfg config.Config, logOut io.Writer, did string) (*app, error) {
	logger, err := cfg.Log.NewLogger(logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, clock: repo.NewRandomTIDClock()}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(reg); err != nil {
			return nil, err
		}
	}

	a.id, err = identity.LoadOrCreate(cfg.IdentityPath(), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.signer, err = a.id.Signer()
	if err != nil {
		a.close()
		return nil, err
	}
	a.resolver = identity.NewStaticResolver()
	a.resolver.Set(a.signer.DID(), a.signer.PublicKey())
	a.resolver.Next = identity.KeyResolver{}
	a.did = did
	if a.did == "" {
		a.did = a.id.DID
	}

	backend, err := openBackend(ctx, cfg, a.storageOptions())
	if err != nil {
		a.close()
		return nil, err
	}
	var cache *storage.BlockCache
	if cfg.CacheSize > 0 {
		cache, err = storage.NewBlockCache(cfg.CacheSize, a.metrics)
		if err != nil {
			backend.Close()
			a.close()
			return nil, err
		}
	}
	a.actors = storage.NewActors(backend, cache)
	logger.Debug("opened",
		slog.String("component", "cli"),
		slog.String("backend", backend.Name()),
		slog.String("did", a.did))
	return a, nil
}

func (a *app) storageOptions() storage.Options {
	return storage.Options{
		Logger:         a.logger,
		Metrics:        a.metrics,
		GetBlocksBatch: a.cfg.GetBlocksBatch,
		PageSize:       a.cfg.PageSize,
	}
}

func openBackend(ctx context.Context, cfg config.Config, opts storage.Options) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(opts), nil
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig()
		bc.Path = cfg.BadgerPath()
		bc.SyncWrites = cfg.Badger.SyncWrites
		bc.GCInterval = cfg.Badger.GCInterval
		bc.GCDiscardRatio = cfg.Badger.GCDiscardRatio
		bc.MemTableSize = cfg.Badger.MemTableSize
		bc.Logger = opts.Logger
		return badgerstore.Open(bc, opts)
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlstore.Open(ctx, cfg.SQLitePath(), opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, cfg.Backend)
	}
}

func (a *app) serveMetrics(g prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

func (a *app) repoOptions() repo.Options {
	return repo.Options{Clock: a.clock, Logger: a.logger, Metrics: a.metrics}
}

// storage is the handle for the selected account.
func (a *app) storage() storage.RepoStorage {
	return a.actors.Storage(a.did)
}

// write runs fn holding the selected account's write lock.
func (a *app) write(ctx context.Context, fn func(storage.RepoStorage) error) error {
	return a.actors.WithLock(ctx, a.did, fn)
}

func (a *app) load(ctx context.Context) (*repo.Repo, error) {
	return repo.Load(ctx, a.storage(), a.repoOptions())
}

func (a *app) close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, a.server.Shutdown(ctx))
		cancel()
	}
	if a.actors != nil {
		errs = append(errs, a.actors.Close())
	}
	return errors.Join(errs...)
}
