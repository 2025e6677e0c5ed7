package aguimesh

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hupe1980/aguimesh/config"
	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/store"
	"github.com/hupe1980/aguimesh/store/mongo"
	redisstore "github.com/hupe1980/aguimesh/store/redis"
	"github.com/hupe1980/aguimesh/store/sqlite"
)

// NewStore opens the backend selected by cfg.Driver and checks that it is
// reachable. The returned close function is nil for the in-memory store.
func NewStore(ctx context.Context, cfg config.StorageConfig) (core.Store, func(context.Context) error, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return store.NewInMemoryStore(), nil, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		return s, func(context.Context) error { return s.Close() }, nil

	case config.DriverMongo:
		client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func(ctx context.Context) error { return client.Disconnect(ctx) }
		s, err := mongo.New(mongo.Options{
			Client:           client,
			Database:         cfg.Mongo.Database,
			CollectionPrefix: cfg.Mongo.CollectionPrefix,
		})
		if err == nil {
			err = s.Ping(ctx)
		}
		if err != nil {
			_ = closeFn(ctx)
			return nil, nil, fmt.Errorf("mongo store: %w", err)
		}
		return s, closeFn, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closeFn := func(context.Context) error { return client.Close() }
		s, err := redisstore.New(redisstore.Options{Client: client, Prefix: cfg.Redis.Prefix})
		if err == nil {
			err = s.Ping(ctx)
		}
		if err != nil {
			_ = closeFn(ctx)
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return s, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
