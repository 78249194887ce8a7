package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"opsdesk/api/internal/config"
	"opsdesk/api/internal/parser"
	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/search"
	"opsdesk/api/internal/store"
)

// ConfigureLogging sets the global logrus level and formatter.
func ConfigureLogging(level, format string) error {
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(parsed)
	log.SetOutput(os.Stdout)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// Runtime is a fully wired service plus the resources it holds open.
type Runtime struct {
	Service *Service
	DB      *sql.DB
	Relay   *reactive.RedisRelay
	Meili   *search.Meili

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Build wires the service described by cfg. With the postgres driver the
// database is opened and migrated; the memory driver needs nothing external.
// Optional collaborators (Redis relay, Meilisearch, model parser) are wired
// only when configured.
func Build(ctx context.Context, cfg config.Config, migrate bool) (*Runtime, error) {
	rt := &Runtime{}
	hub := reactive.NewHub()
	opts := Options{}

	var data dataStore
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on restart")
		data = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.DB = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		if migrate {
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				rt.Close()
				return nil, fmt.Errorf("migrations failed: %w", err)
			}
		}
		data = store.NewPostgresStore(db)
		opts.PgFTS = search.NewPgFTS(db)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		relay, err := reactive.NewRedisRelay(cfg.RedisURL, cfg.ChangesChannel, hub)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis relay: %w", err)
		}
		log.WithField("channel", cfg.ChangesChannel).Info("relaying changes through redis")
		rt.Relay = relay
		rt.closers = append(rt.closers, func() { _ = relay.Close() })
		opts.Notifier = relay
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.Meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, rt.Meili.Close)
		opts.Meili = rt.Meili
	}

	p, err := parser.NewGenAI(ctx, cfg.GeminiAPIKey, cfg.ParserModel, cfg.Assignees)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts.Parser = p

	rt.Service = New(data, hub, opts)
	return rt, nil
}
