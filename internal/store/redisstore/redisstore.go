// Package redisstore implements internal/store.Backend on top of
// github.com/go-redis/redis/v8, grounded on the teacher's declared (if
// then-unused) go-redis dependency and spec.md §4.1/§6's key-layout and
// commit-script design.
package redisstore

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

// Backend is a Redis-backed store.Backend. One Backend serves one cluster
// namespace; multiple HeTu clusters can share a single Redis instance by
// using distinct Cluster values (SPEC_FULL.md's HETU_CLUSTER setting).
type Backend struct {
	client  *redis.Client
	reg     *schema.Registry
	bus     *store.EventBus
	ks      keyspace
	script  *redis.Script
}

// Options configures a redisstore.Backend.
type Options struct {
	Addr     string
	Password string
	DB       int
	Cluster  string
}

// New dials Redis and returns a Backend over reg. reg must be frozen.
func New(ctx context.Context, opts Options, reg *schema.Registry) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.BackendUnavailable(err)
	}
	return &Backend{
		client: client,
		reg:    reg,
		bus:    store.NewEventBus(256),
		ks:     keyspace{cluster: opts.Cluster},
		script: redis.NewScript(commitScript),
	}, nil
}

func (b *Backend) Events() *store.EventBus { return b.bus }

func (b *Backend) Close() error { return b.client.Close() }

// ClearTransient deletes every row of every Component flagged
// schema.Transient, by scanning and unlinking their row/index/unique keys.
func (b *Backend) ClearTransient(ctx context.Context, reg *schema.Registry) error {
	for _, name := range reg.Names() {
		c := reg.MustLookup(name)
		if c.Persistency != schema.Transient {
			continue
		}
		pattern := "hetu:" + b.ks.cluster + ":" + name + ":*"
		iter := b.client.Scan(ctx, 0, pattern, 200).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return errors.BackendUnavailable(err)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return errors.BackendUnavailable(err)
			}
		}
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context, identity schema.Permission) (store.Transaction, error) {
	return &Tx{
		ctx:      ctx,
		backend:  b,
		identity: identity,
		reads:    make(map[string]map[schema.RowID]schema.Version),
		writes:   make(map[string]map[schema.RowID]*writeOp),
	}, nil
}

func (b *Backend) component(name string) (*schema.Component, error) {
	c, ok := b.reg.Lookup(name)
	if !ok {
		return nil, errors.BadArgs("unknown component " + name)
	}
	return c, nil
}
