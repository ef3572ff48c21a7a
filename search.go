package rcchat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultSearchTTL      = 5 * time.Minute
	DefaultSearchDebounce = 300 * time.Millisecond
)

type cacheEntry[T any] struct {
	data []T
	at   time.Time
}

// SearchCache debounces searches, keeps only the newest one in flight and
// caches results per key.
type SearchCache[T any] struct {
	ttl      time.Duration
	debounce time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry[T]
	cancel  context.CancelCauseFunc
	gen     uint64
}

// NewSearchCache creates a cache. Zero durations select the defaults.
func NewSearchCache[T any](ttl, debounce time.Duration, logger *slog.Logger) *SearchCache[T] {
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	if debounce < 0 {
		debounce = 0
	} else if debounce == 0 {
		debounce = DefaultSearchDebounce
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &SearchCache[T]{
		ttl:      ttl,
		debounce: debounce,
		log:      logger,
		now:      time.Now,
		entries:  make(map[string]cacheEntry[T]),
	}
}

// Search returns the cached result for key when fresh. Otherwise it
// supersedes any earlier call, waits out the debounce and runs fetch.
//
// A superseded call returns ErrSuperseded. Fetch errors other than
// cancellation are logged and yield an empty result.
func (c *SearchCache[T]) Search(ctx context.Context, key, query string, fetch func(ctx context.Context, query string) ([]T, error)) ([]T, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.at) < c.ttl {
		c.mu.Unlock()
		return e.data, nil
	}
	if c.cancel != nil {
		c.cancel(ErrSuperseded)
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel(nil)
	}()

	timer := time.NewTimer(c.debounce)
	defer timer.Stop()
	select {
	case <-callCtx.Done():
		return nil, context.Cause(callCtx)
	case <-timer.C:
	}

	res, err := fetch(callCtx, query)
	if callCtx.Err() != nil {
		return nil, context.Cause(callCtx)
	}
	if err != nil {
		if IsCanceled(err) {
			return nil, err
		}
		c.log.Warn("search failed", slog.String("key", key), logErr(err))
		return nil, nil
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{data: res, at: c.now()}
	c.mu.Unlock()
	return res, nil
}

// Clear drops every cached result.
func (c *SearchCache[T]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// ============================================================================
// Engine search
// ============================================================================

func containsFold(s, sub string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), sub)
}

// SearchUsers searches users other than the current user. When the server
// cannot be reached it filters the locally known users instead.
func (e *Engine) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return e.userSearch.Search(ctx, "users:"+query, query, func(ctx context.Context, q string) ([]User, error) {
		s := e.state.Load()
		me := ""
		if s.CurrentUser != nil {
			me = s.CurrentUser.ID
		}
		hits, err := e.gw.Search(ctx, q)
		if err != nil {
			if IsCanceled(err) {
				return nil, err
			}
			e.metrics.gatewayFailure("search")
			e.log.Warn("user search failed, using local users", slog.String("query", q), logErr(err))
			return localUsers(s.Users, me, q), nil
		}
		var out []User
		for _, h := range hits {
			if h.Type == "user" && h.User != nil && h.User.ID != me {
				out = append(out, *h.User)
			}
		}
		return out, nil
	})
}

func localUsers(users []User, me, query string) []User {
	q := strings.ToLower(query)
	var out []User
	for _, u := range users {
		if u.ID == me {
			continue
		}
		if containsFold(u.Name, q) || containsFold(u.Email, q) ||
			strings.Contains(u.Phone, query) || containsFold(u.Username, q) {
			out = append(out, u)
		}
	}
	return out
}

// SearchGroups searches groups, falling back to the locally known groups.
func (e *Engine) SearchGroups(ctx context.Context, query string) ([]Group, error) {
	return e.groupSearch.Search(ctx, "groups:"+query, query, func(ctx context.Context, q string) ([]Group, error) {
		hits, err := e.gw.Search(ctx, q)
		if err != nil {
			if IsCanceled(err) {
				return nil, err
			}
			e.metrics.gatewayFailure("search")
			e.log.Warn("group search failed, using local groups", slog.String("query", q), logErr(err))
			return localGroups(e.state.Load().Groups, q), nil
		}
		var out []Group
		for _, h := range hits {
			if h.Type == "group" && h.Group != nil {
				out = append(out, *h.Group)
			}
		}
		return out, nil
	})
}

func localGroups(groups []Group, query string) []Group {
	q := strings.ToLower(query)
	var out []Group
	for _, g := range groups {
		if containsFold(g.Name, q) || containsFold(g.Description, q) {
			out = append(out, g)
		}
	}
	return out
}

// GlobalSearch returns the raw search hits.
func (e *Engine) GlobalSearch(ctx context.Context, query string) ([]SearchHit, error) {
	return e.hitSearch.Search(ctx, "all:"+query, query, func(ctx context.Context, q string) ([]SearchHit, error) {
		hits, err := e.gw.Search(ctx, q)
		if err != nil && !IsCanceled(err) {
			e.metrics.gatewayFailure("search")
		}
		return hits, err
	})
}

// ClearSearchCache drops cached search results.
func (e *Engine) ClearSearchCache() {
	e.userSearch.Clear()
	e.groupSearch.Clear()
	e.hitSearch.Clear()
}
