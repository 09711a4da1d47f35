package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"protracker/api"
	"protracker/config"
	"protracker/remote"
	"protracker/storage"
	"protracker/visibility"
)

// backends holds the process-wide connections sessions are built on.
type backends struct {
	cfg    config.Config
	logger *log.Logger
	redis  *redis.Client

	db     *storage.SQLite
	tables *storage.Tables
	queue  *storage.ActivityQueue
}

func openBackends(cfg config.Config, rc *redis.Client, logger *log.Logger) (*backends, error) {
	b := &backends{cfg: cfg, logger: logger, redis: rc}
	switch cfg.Backend {
	case config.BackendREST:
	case config.BackendSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.db = db
	case config.BackendTables:
		t, err := storage.NewTables(cfg.StorageConnString, cfg.TasksTable, cfg.ProjectsTable, logger)
		if err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		b.tables = t
		if cfg.ActivityQueue != "" {
			q, err := storage.NewActivityQueue(cfg.StorageConnString, cfg.ActivityQueue)
			if err != nil {
				return nil, fmt.Errorf("activity queue: %w", err)
			}
			b.queue = q
		}
	default:
		return nil, fmt.Errorf("%w: unknown BACKEND %q", config.ErrInvalid, cfg.Backend)
	}
	return b, nil
}

// backing builds one user's backend. The REST backend forwards the caller's
// bearer and filter; local backends record activity and are filtered in the
// gateway against their project metadata.
func (b *backends) backing(actor api.Actor, filter visibility.Filter) (api.Backing, error) {
	userID := actor.User.ID
	switch {
	case b.cfg.Backend == config.BackendREST:
		c := remote.New(b.cfg.APIBaseURL,
			remote.WithBearer(actor.Token),
			remote.WithFilter(filter),
			remote.WithLogger(b.logger),
		)
		return api.Backing{Backend: b.cached(c, userID), Mailer: c, Inviter: c, Stats: c, Query: c, ServerFiltered: true}, nil
	case b.db != nil:
		base := storage.NewRecorder(b.db.As(userID), b.db, userID, b.logger)
		return api.Backing{Backend: b.cached(base, userID), Projects: b.db}, nil
	case b.tables != nil:
		var sink storage.ActivitySink
		if b.queue != nil {
			sink = b.queue
		}
		base := storage.NewRecorder(b.tables.As(userID), sink, userID, b.logger)
		backing := api.Backing{Backend: b.cached(base, userID)}
		if b.tables.HasProjects() {
			backing.Projects = b.tables
		}
		return backing, nil
	}
	return api.Backing{}, errors.New("no backend configured")
}

func (b *backends) cached(base storage.Backend, scope string) storage.Backend {
	if b.redis == nil || b.cfg.ViewCacheTTL <= 0 {
		return base
	}
	return storage.NewCache(base, b.redis, b.cfg.ViewCacheTTL, scope)
}

func (b *backends) checks() []func(context.Context) error {
	var out []func(context.Context) error
	if b.db != nil {
		out = append(out, b.db.Ping)
	}
	if b.redis != nil {
		out = append(out, func(ctx context.Context) error { return b.redis.Ping(ctx).Err() })
	}
	return out
}

func (b *backends) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func newRedis(cfg config.Config) *redis.Client {
	opts, ok := cfg.RedisOptions()
	if !ok {
		return nil
	}
	return redis.NewClient(opts)
}
