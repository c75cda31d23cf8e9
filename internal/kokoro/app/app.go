// Package app wires the Kokoro server: durable memory store, memory API,
// persona catalogue, initiative hub and sweeper, and the optional Matrix
// relay.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/bdobrica/kokoro/common/crypto"
	"github.com/bdobrica/kokoro/internal/kokoro/generation"
	"github.com/bdobrica/kokoro/internal/kokoro/initiative"
	"github.com/bdobrica/kokoro/internal/kokoro/matrix"
	"github.com/bdobrica/kokoro/internal/kokoro/persona"
	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/store/postgres"
	"github.com/bdobrica/kokoro/internal/kokoro/store/sqlite"
)

// Database drivers accepted in Config.DatabaseDriver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	// DatabaseDriver selects the durable store. Defaults to DriverSQLite.
	DatabaseDriver string
	// DatabasePath is the SQLite file (":memory:" for a throwaway store).
	DatabasePath string
	// PostgresDSN is used when DatabaseDriver is DriverPostgres.
	PostgresDSN string
	// MasterKey, when set, encrypts SQLite memory documents at rest.
	MasterKey []byte

	// HTTPAddr is the listen address for the API server (e.g. ":8080").
	// When empty the server is not started, but Handler still serves.
	HTTPAddr string

	// PersonasFS is a filesystem holding one directory per persona. Nil
	// selects the built-in catalogue.
	PersonasFS fs.FS

	// LLM configures the direct OpenAI-compatible backend used to write
	// initiative messages.
	LLM generation.Config
	// GenerationURL, when set, routes generation to a remote service
	// instead of the direct backend. GenerationKey is its bearer token.
	GenerationURL string
	GenerationKey string
	// RateLimit caps generation calls per user per minute. Zero uses the
	// limiter default.
	RateLimit int

	// Initiative configures the idle sweeper.
	Initiative InitiativeConfig

	// Matrix enables the out-of-band relay when non-nil.
	Matrix *matrix.Config

	Logger *slog.Logger
}

// InitiativeConfig configures companion-initiated messages.
type InitiativeConfig struct {
	// Disabled turns the sweeper off; the push channel stays up.
	Disabled bool
	// Schedule is a cron spec (initiative.DefaultSchedule when empty).
	Schedule string
	// Idle is how long a pair must be quiet before the companion writes.
	Idle time.Duration
	// WakeStart and WakeEnd bound local waking hours.
	WakeStart, WakeEnd int
}

// durableStore is a store.Store owned by the app.
type durableStore interface {
	store.Store
	Ping(ctx context.Context) error
	Close() error
}

// App is the Kokoro server.
type App struct {
	config   *Config
	logger   *slog.Logger
	store    durableStore
	personas *persona.Registry
	backend  generation.Backend
	queue    initiative.Queue
	ledger   initiative.Ledger
	hub      *initiative.Hub
	sweeper  *initiative.Sweeper
	notifier *matrix.Notifier
	server   *HealthServer
}

// New creates the application. Nothing listens until Run.
func New(config *Config) (*App, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{config: config, logger: logger}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	personas := persona.Builtin()
	if config.PersonasFS != nil {
		loaded, err := persona.Load(config.PersonasFS)
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("failed to load personas: %w", err)
		}
		personas = loaded
	}
	a.personas = personas
	logger.Info("personas loaded", "count", personas.Len())

	var backend generation.Backend
	if config.GenerationURL != "" {
		backend = generation.NewRemote(config.GenerationURL, config.GenerationKey, config.LLM.Timeout)
		logger.Info("generation: remote backend", "url", config.GenerationURL)
	} else {
		backend = generation.New(config.LLM)
	}
	a.backend = generation.WithRateLimit(backend, generation.NewRateLimiter(config.RateLimit, time.Minute))

	a.hub = initiative.NewHub(a.queue, a.ledger, logger)

	var relay initiative.Relay
	if config.Matrix != nil {
		mcfg := *config.Matrix
		if mcfg.DisplayName == nil {
			mcfg.DisplayName = a.displayName
		}
		if mcfg.Logger == nil {
			mcfg.Logger = logger
		}
		notifier, err := matrix.New(mcfg)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		a.notifier = notifier
		relay = notifier
	}

	if !config.Initiative.Disabled {
		author := &initiativeAuthor{store: a.store, personas: personas, backend: a.backend}
		a.sweeper = initiative.NewSweeper(a.queue, a.ledger, author, a.hub, initiative.SweeperConfig{
			Schedule:  config.Initiative.Schedule,
			Idle:      config.Initiative.Idle,
			WakeStart: config.Initiative.WakeStart,
			WakeEnd:   config.Initiative.WakeEnd,
			Relay:     relay,
			Logger:    logger,
		})
	}

	a.server = NewHealthServer(config.HTTPAddr, a)
	api := &memoryAPI{store: a.store, personas: personas, ledger: a.ledger, logger: logger}
	api.register(a.server)
	a.server.Handle("GET /v1/initiative/ws", a.hub)

	return a, nil
}

// openStore opens the durable store and the initiative queue beside it.
// SQLite keeps the queue in the same database; with Postgres the queue is
// in-process.
func (a *App) openStore() error {
	switch a.config.DatabaseDriver {
	case "", DriverSQLite:
		var opts []sqlite.Option
		opts = append(opts, sqlite.WithLogger(a.logger))
		if len(a.config.MasterKey) > 0 {
			box, err := crypto.NewBox(a.config.MasterKey)
			if err != nil {
				return fmt.Errorf("failed to create memory box: %w", err)
			}
			opts = append(opts, sqlite.WithBox(box))
		}
		path := a.config.DatabasePath
		if path == "" {
			path = "kokoro.db"
		}
		s, err := sqlite.Open(path, opts...)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		q := initiative.NewSQLiteQueue(s.DB())
		a.store, a.queue, a.ledger = s, q, q
	case DriverPostgres:
		if len(a.config.MasterKey) > 0 {
			a.logger.Warn("master key ignored by the postgres store")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := postgres.Open(ctx, a.config.PostgresDSN, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		q := initiative.NewMemoryQueue()
		a.store, a.queue, a.ledger = s, q, q
	default:
		return fmt.Errorf("unknown database driver %q", a.config.DatabaseDriver)
	}
	return nil
}

func (a *App) displayName(characterID string) string {
	if p, ok := a.personas.Get(characterID); ok {
		return p.Name
	}
	return characterID
}

// Handler returns the HTTP handler serving the API, health and push channel.
func (a *App) Handler() *HealthServer { return a.server }

// Sweeper returns the initiative sweeper, or nil when disabled.
func (a *App) Sweeper() *initiative.Sweeper { return a.sweeper }

// Ping checks the durable store.
func (a *App) Ping(ctx context.Context) error { return a.store.Ping(ctx) }

// PersonaCount returns the size of the persona catalogue.
func (a *App) PersonaCount() int { return a.personas.Len() }

// Connections returns the number of live initiative connections.
func (a *App) Connections() int { return a.hub.Connections() }

// Run starts the server and the sweeper and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.config.HTTPAddr != "" {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}

	if a.notifier != nil {
		if err := a.notifier.JoinRooms(ctx); err != nil {
			a.logger.Warn("matrix: join rooms failed; relay continues", "err", err)
		}
	}

	if a.sweeper != nil {
		if err := a.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start initiative sweeper: %w", err)
		}
	}

	a.logger.Info("Kokoro is running; press Ctrl+C to stop", "addr", a.config.HTTPAddr)
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Stop releases everything New acquired.
func (a *App) Stop() {
	if a.sweeper != nil {
		a.logger.Info("stopping initiative sweeper")
		a.sweeper.Stop()
	}
	a.hub.Close()

	a.logger.Info("stopping http server")
	a.server.Stop()

	a.logger.Info("closing database")
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}
