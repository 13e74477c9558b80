package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/arencloud/hermes-upload/internal/models"

	"golang.org/x/sync/singleflight"
)

type scopeKey struct{}

type lookup struct {
	bucket models.BucketConfig
	found  bool
}

// scope memoizes lookups for one inbound request. Backend errors are not
// memoized so a later call in the same request may retry.
type scope struct {
	group singleflight.Group
	mu    sync.Mutex
	memo  map[uint]lookup
}

func newScope() *scope { return &scope{memo: map[uint]lookup{}} }

// WithRequestScope returns a context whose registry lookups are
// de-duplicated until the context is dropped.
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, newScope())
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func (s *scope) cached(id uint) (lookup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.memo[id]
	return l, ok
}

func (s *scope) load(ctx context.Context, store Store, id uint) (lookup, error) {
	if l, ok := s.cached(id); ok {
		return l, nil
	}
	v, err, _ := s.group.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		if l, ok := s.cached(id); ok {
			return l, nil
		}
		b, err := store.Get(ctx, id)
		var l lookup
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			l = lookup{bucket: b, found: true}
		}
		s.mu.Lock()
		s.memo[id] = l
		s.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return lookup{}, err
	}
	return v.(lookup), nil
}

func (s *scope) forget(id uint) {
	s.mu.Lock()
	delete(s.memo, id)
	s.mu.Unlock()
}
