package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"projecthub/aggregate"
	"projecthub/api"
	"projecthub/config"
	"projecthub/docstore"
	"projecthub/domain"
	"projecthub/identity"
	"projecthub/resolver"
	"projecthub/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides LISTEN_ADDR")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	srv, closeFn, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	e := newEcho(srv)
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newEcho(srv *api.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
	}))
	srv.Register(e)
	return e
}

// buildServer wires the backend selected by cfg into an api.Server. The
// returned function releases background work and connections.
func buildServer(ctx context.Context, cfg config.Config) (*api.Server, func(), error) {
	verifier, closeAuth, err := buildVerifier(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		st       docstore.Store
		profiles resolver.ProfileSource
		blobs    domain.BlobStore
		reporter domain.CascadeReporter
		ready    func(context.Context) error
		closers  = []func(){closeAuth}
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Backend {
	case config.BackendMemory:
		mem := docstore.NewMemoryStore()
		st = mem
		profiles = resolver.StoreSource{Store: mem}
		log.Warn("using in-memory backend, data is lost on exit")
	case config.BackendAzure:
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		rc := redis.NewClient(opts)
		closers = append(closers, func() { _ = rc.Close() })

		feed := storage.NewChangeFeed(rc, cfg.ChangesChannelPrefix)
		tables, err := storage.NewStore(cfg.StorageConnectionString, map[string]string{
			domain.UsersCollection:    cfg.Tables.Users,
			domain.ProjectsCollection: cfg.Tables.Projects,
			domain.TasksCollection:    cfg.Tables.Tasks,
		}, feed)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("table store: %w", err)
		}
		st = tables

		bs, err := storage.NewBlobStore(cfg.StorageConnectionString, cfg.PhotosContainer)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("blob store: %w", err)
		}
		blobs = bs

		queue, err := storage.NewCascadeQueue(cfg.StorageConnectionString, cfg.CascadeQueue)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("cascade queue: %w", err)
		}
		reporter = queue

		cache := storage.NewProfileCache(resolver.StoreSource{Store: tables}, rc, cfg.ProfileCacheTTL)
		profiles = cache
		tables.OnCommit(cache.EvictChange)
		feed.OnReceive(cache.EvictChange)
		watchCtx, cancelWatch := context.WithCancel(context.WithoutCancel(ctx))
		closers = append(closers, cancelWatch)
		go func() {
			if err := cache.WatchEvictions(watchCtx, tables); err != nil {
				log.WithError(err).Error("profile eviction watch stopped")
			}
		}()
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	accounts := domain.NewAccountService(st, blobs, cfg.RemoteTimeout)
	srv := &api.Server{
		Accounts: accounts,
		Projects: domain.NewProjectService(st, accounts, reporter, cfg.RemoteTimeout),
		Tasks:    domain.NewTaskService(st, cfg.RemoteTimeout),
		Views:    aggregate.New(st, resolver.New(profiles, cfg.RemoteTimeout), cfg.RemoteTimeout),
		Changes:  st,
		Verifier: verifier,
		Logger:   log.StandardLogger(),
		Ready:    ready,
	}
	return srv, closeAll, nil
}

func buildVerifier(cfg config.Config) (identity.Verifier, func(), error) {
	if cfg.AuthTestMode {
		log.Warn("AUTH0_TEST_MODE enabled, accepting HS256 test tokens")
		return identity.NewTestAuth([]byte(cfg.TestJWTSecret), cfg.Auth0Audience, ""), func() {}, nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	return identity.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/"), jwks.EndBackground, nil
}
