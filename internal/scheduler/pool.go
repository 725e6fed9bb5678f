package scheduler

import (
	"context"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/retrieval"
)

// Pool is the rotating reservoir of retrieved fragments for one topic.
type Pool struct {
	Topic     string
	Query     string
	Fragments []retrieval.Fragment
	Cursor    int
	Refreshes int
}

// PoolSizing bounds how many fragments a topic query asks for.
type PoolSizing struct {
	Min      int
	Max      int
	Headroom float64
}

var DefaultPoolSizing = PoolSizing{Min: 24, Max: 800, Headroom: 1.2}

// Size is clamp(Min, Max, ceil(perQuestion*targetForTopic*Headroom)).
func (p PoolSizing) Size(perQuestion, targetForTopic int) int {
	n := int(math.Ceil(float64(perQuestion*targetForTopic) * p.Headroom))
	if n < p.Min {
		n = p.Min
	}
	if n > p.Max {
		n = p.Max
	}
	return n
}

func PoolSize(perQuestion, targetForTopic int) int {
	return DefaultPoolSizing.Size(perQuestion, targetForTopic)
}

// refreshQualifiers are appended to a topic to pull a different top-K.
var refreshQualifiers = []string{
	"exceptions",
	"procedure",
	"time limits",
	"leading cases",
	"definitions",
	"remedies",
	"practical application",
	"statutory provisions",
}

// RefreshQuery returns the jittered query text for the n-th refresh of a
// topic (n >= 1). It is deterministic in (topic, n) and periodic: with eight
// qualifiers the text for n+64 equals the text for n once n > 8, so a topic
// refreshed that often sees repeated queries and relies on the used set.
func RefreshQuery(topic string, n int) string {
	if n < 1 {
		return topic
	}
	l := len(refreshQualifiers)
	terms := []string{refreshQualifiers[(n-1)%l]}
	if n > l {
		terms = append(terms, refreshQualifiers[((n-1)/l+(n-1))%l])
	}
	return topic + " " + strings.Join(terms, " ")
}

// Bundle walks the pool from its cursor, wrapping once, and collects up to
// per fragments that are unused, non-empty and not already in the bundle.
// The cursor is left just past the last fragment examined.
func Bundle(pool *Pool, used map[retrieval.FragmentKey]struct{}, per int) []retrieval.Fragment {
	n := len(pool.Fragments)
	if n == 0 || per <= 0 {
		return nil
	}

	var out []retrieval.Fragment
	inBundle := make(map[retrieval.FragmentKey]struct{}, per)
	examined := 0
	for examined < n && len(out) < per {
		f := pool.Fragments[(pool.Cursor+examined)%n]
		examined++

		key := f.Key()
		if _, ok := used[key]; ok {
			continue
		}
		if _, ok := inBundle[key]; ok {
			continue
		}
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		inBundle[key] = struct{}{}
		out = append(out, f)
	}
	pool.Cursor = (pool.Cursor + examined) % n
	return out
}

// Retriever runs a similarity query for a subject.
type Retriever interface {
	Search(ctx context.Context, subject, query string, topK int) ([]retrieval.Fragment, error)
}

// PoolManager fetches and refreshes per-topic pools for one subject.
type PoolManager struct {
	retriever Retriever
	subject   string
	size      int
	log       *logger.Logger
}

func NewPoolManager(retriever Retriever, subject string, size int, log *logger.Logger) *PoolManager {
	return &PoolManager{retriever: retriever, subject: subject, size: size, log: log}
}

// Fetch queries the index with the topic text.
func (m *PoolManager) Fetch(ctx context.Context, topic string) (*Pool, error) {
	frags, err := m.retriever.Search(ctx, m.subject, topic, m.size)
	if err != nil {
		return nil, fmt.Errorf("fetch pool %q: %w", topic, err)
	}
	return &Pool{Topic: topic, Query: topic, Fragments: frags}, nil
}

// Refresh replaces the pool's fragments with the results of a jittered
// query and resets the cursor.
func (m *PoolManager) Refresh(ctx context.Context, pool *Pool) error {
	pool.Refreshes++
	query := RefreshQuery(pool.Topic, pool.Refreshes)
	frags, err := m.retriever.Search(ctx, m.subject, query, m.size)
	if err != nil {
		return fmt.Errorf("refresh pool %q: %w", pool.Topic, err)
	}
	m.log.Debug("pool refreshed", "topic", pool.Topic, "query", query, "fragments", len(frags))
	pool.Query = query
	pool.Fragments = frags
	pool.Cursor = 0
	return nil
}

// Next returns the context bundle for topic's next turn, fetching the pool
// on first use and refreshing it once when the bundle comes back short.
// An empty result means no context is available this turn.
func (m *PoolManager) Next(ctx context.Context, state *RunState, topic string, per int) ([]retrieval.Fragment, error) {
	pool, ok := state.Pools[topic]
	if !ok {
		var err error
		if pool, err = m.Fetch(ctx, topic); err != nil {
			return nil, err
		}
		state.Pools[topic] = pool
	}

	bundle := Bundle(pool, state.Used, per)
	if len(bundle) >= per {
		return bundle, nil
	}

	if err := m.Refresh(ctx, pool); err != nil {
		return nil, err
	}
	// Top up the short bundle from the refreshed pool rather than dropping it.
	skip := make(map[retrieval.FragmentKey]struct{}, len(state.Used)+len(bundle))
	for k := range state.Used {
		skip[k] = struct{}{}
	}
	for _, f := range bundle {
		skip[f.Key()] = struct{}{}
	}
	return append(bundle, Bundle(pool, skip, per-len(bundle))...), nil
}

// Prefetch fetches the initial pool of every topic with bounded parallelism.
// Results land in per-topic slots and are merged into state after all
// fetches finish, so state is only touched by the calling goroutine.
func (m *PoolManager) Prefetch(ctx context.Context, state *RunState, topics []string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	pools := make([]*Pool, len(topics))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, topic := range topics {
		if _, ok := state.Pools[topic]; ok {
			continue
		}
		g.Go(func() error {
			pool, err := m.Fetch(gctx, topic)
			if err != nil {
				return err
			}
			pools[i] = pool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, pool := range pools {
		if pool != nil {
			state.Pools[pool.Topic] = pool
		}
	}
	return nil
}
