package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/internal/analysis"
	"github.com/ajitpratap0/foldwise/internal/cache"
	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/db"
	"github.com/ajitpratap0/foldwise/internal/events"
)

// backends holds the optional connections a command opened
type backends struct {
	db        *db.DB
	cache     *cache.FoldCache
	publisher *events.Publisher
	closers   []func()
}

// openBackends connects to every enabled backend. Postgres is required once
// enabled; Redis and NATS only add caching and progress events, so a failed
// connection is logged and the run continues without them.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.GetURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.db = database
		b.closers = append(b.closers, database.Close)
	}

	if cfg.Redis.Enabled {
		client := cache.NewClient(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		fc := cache.NewFoldCache(client, cfg.Redis.TTL)
		if err := fc.Health(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.GetRedisAddr()).Msg("Redis unavailable, fold cache disabled")
			_ = client.Close()
		} else {
			b.cache = fc
			b.closers = append(b.closers, func() { _ = client.Close() })
		}
	}

	if cfg.NATS.Enabled {
		pub, err := events.Connect(events.Config{
			URL:             cfg.NATS.URL,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			EventsPerSecond: cfg.NATS.EventsPerSecond,
		})
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, progress events disabled")
		} else {
			b.publisher = pub
			b.closers = append(b.closers, pub.Close)
		}
	}

	return b, nil
}

// service builds the analysis service over whatever is connected
func (b *backends) service(cfg *config.Config) *analysis.Service {
	opts := []analysis.Option{analysis.WithDatabase(b.db)}
	if b.cache != nil {
		opts = append(opts, analysis.WithFoldCache(b.cache))
	}
	if b.publisher != nil {
		opts = append(opts, analysis.WithPublisher(b.publisher))
	}
	return analysis.New(cfg, opts...)
}

// Close releases the connections in reverse order
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
