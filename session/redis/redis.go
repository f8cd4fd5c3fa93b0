// Package redis provides a Redis-backed core.Store. Sessions are
// stored as JSON under a key prefix with an index set for listing, so
// sweeps do not need a full keyspace scan.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/convocore/core"
)

// Options configure the store.
type Options struct {
	// Prefix namespaces all keys, e.g. "convocore".
	Prefix string
	// TTL sets a Redis-level expiry on session keys as a safety net
	// behind the adapter's sweep. Zero disables it.
	TTL time.Duration
}

// Store implements core.Store on Redis.
type Store struct {
	client redis.UniversalClient
	opts   Options
}

// New creates a Redis session store.
func New(client redis.UniversalClient, optFns ...func(o *Options)) *Store {
	opts := Options{Prefix: "convocore"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, opts: opts}
}

func (s *Store) key(sessionID string) string {
	return s.opts.Prefix + ":session:" + sessionID
}

func (s *Store) indexKey() string {
	return s.opts.Prefix + ":sessions"
}

// Save implements core.Store.
func (s *Store) Save(ctx context.Context, sess *core.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(sess.ID), payload, s.opts.TTL)
	pipe.SAdd(ctx, s.indexKey(), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load implements core.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (*core.Session, error) {
	payload, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess core.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Delete implements core.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List implements core.Store. Index entries whose key has expired are
// pruned as a side effect.
func (s *Store) List(ctx context.Context, filter core.SessionFilter) ([]*core.Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*core.Session
	for _, id := range ids {
		sess, err := s.Load(ctx, id)
		if err != nil {
			var nfe *core.NotFoundError
			if errors.As(err, &nfe) {
				s.client.SRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}
		if filter.AgentID != "" && sess.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// CleanupExpired implements core.Store.
func (s *Store) CleanupExpired(ctx context.Context, predicate func(*core.Session) bool) (int, error) {
	sessions, err := s.List(ctx, core.SessionFilter{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if !predicate(sess) {
			continue
		}
		if err := s.Delete(ctx, sess.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

var _ core.Store = (*Store)(nil)
