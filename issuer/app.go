package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/middleware"
	"github.com/alovak/virtualcards/internal/notifybus"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/memory"
	"github.com/alovak/virtualcards/issuer/storage/postgres"
	"github.com/alovak/virtualcards/issuer/storage/sqlite"
)

// App is the main application, it contains all the components of the issuer service
// and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config
	store  storage.Store
	nc     *nats.Conn
	// closeCodes releases the verification code provider.
	closeCodes func()

	// Service is available once Start has returned without error.
	Service *Service
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "issuer"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if a.config.ExpiryTZ != "" {
		if loc, err := time.LoadLocation(a.config.ExpiryTZ); err == nil {
			expiry.SetDefaultExpiryLocation(loc)
		} else {
			a.logger.Info("invalid ExpiryTZ; using default UTC", slog.String("tz", a.config.ExpiryTZ), slog.Any("err", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openStore(ctx, a.config)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", a.config.RepoBackend, err)
	}
	a.store = store

	codes, closeCodes, err := openCodeProvider(a.config)
	if err != nil {
		a.closeResources()
		return err
	}
	a.closeCodes = closeCodes

	var publisher notifybus.Publisher = notifybus.NopPublisher{}
	if a.config.NATSURL != "" {
		nc, err := notifybus.Connect(a.config.NATSURL, a.config.NATSToken, "issuer")
		if err != nil {
			a.closeResources()
			return err
		}
		a.nc = nc
		publisher = notifybus.NewNATSPublisher(nc, a.config.NATSSubjectPrefix)
		a.logger.Info("publishing notifications to nats", slog.String("url", a.config.NATSURL))
	}

	users := NewStaticDirectory(a.config.AdminUserIDs...)
	for id, name := range a.config.UserNames {
		users.SetName(id, name)
	}

	a.Service = NewService(store, users, a.config,
		WithLogger(a.logger),
		WithPublisher(publisher),
		WithCodeProvider(codes),
	)

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		a.closeResources()
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func openStore(ctx context.Context, config *Config) (storage.Store, error) {
	switch config.RepoBackend {
	case BackendPostgres:
		return postgres.Open(ctx, config.DBDSN, []byte(config.PANHashKey))
	case BackendSQLite:
		return sqlite.Open(ctx, config.SQLitePath)
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", config.RepoBackend)
	}
}

// routes serves only operational endpoints; the card API is used as a Go
// library.
func (a *App) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.NewStructuredLogger(a.logger))

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.nc != nil && !a.nc.IsConnected() {
			http.Error(w, "nats not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/-/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := a.Service.DispatchStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{
			"notifications_delivered": stats.Delivered,
			"notifications_skipped":   stats.Skipped,
		})
	})

	return router
}

func (a *App) closeResources() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Error("draining nats connection", "err", err)
		}
		a.nc = nil
	}
	if a.closeCodes != nil {
		a.closeCodes()
		a.closeCodes = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing store", "err", err)
		}
		a.store = nil
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
	}

	a.wg.Wait()
	a.closeResources()

	a.logger.Info("app stopped")
}
