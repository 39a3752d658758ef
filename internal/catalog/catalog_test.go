package catalog

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/provider/openrouter"
)

type stubLister struct {
	models []openrouter.Model
	err    error
	calls  int
}

func (s *stubLister) ListModels(context.Context) ([]openrouter.Model, error) {
	s.calls++
	return s.models, s.err
}

type memCache struct {
	data map[string][]byte
	ttl  time.Duration
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (m *memCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.data[key] = val
	m.ttl = ttl
	return nil
}

func quiet(c *Catalog) *Catalog {
	c.logger = log.New(io.Discard, "", 0)
	return c
}

func TestModelsCachesUpstream(t *testing.T) {
	lister := &stubLister{models: []openrouter.Model{{ID: "a/one", Name: "One"}, {ID: "b/two"}}}
	mc := &memCache{data: map[string][]byte{}}
	c := quiet(New(lister, mc, time.Minute, []string{"x"}, "chair"))

	first := c.Models(context.Background())
	if first.Fallback || !reflect.DeepEqual(first.Agents, []string{"a/one", "b/two"}) || first.DefaultChairman != "chair" {
		t.Fatalf("unexpected listing %+v", first)
	}
	second := c.Models(context.Background())
	if lister.calls != 1 {
		t.Fatalf("second call should be served from cache, upstream called %d times", lister.calls)
	}
	if !reflect.DeepEqual(first, second) || mc.ttl != time.Minute {
		t.Fatalf("cached listing differs: %+v vs %+v", first, second)
	}
}

func TestModelsFallsBackToCouncil(t *testing.T) {
	c := quiet(New(&stubLister{err: errors.New("down")}, nil, time.Minute, []string{"x/one", "y/two"}, "x/one"))
	got := c.Models(context.Background())
	if !got.Fallback || !reflect.DeepEqual(got.Agents, []string{"x/one", "y/two"}) {
		t.Fatalf("expected fallback listing, got %+v", got)
	}
	if len(got.Models) != 2 || got.Models[1].ID != "y/two" {
		t.Fatalf("fallback models should mirror agents, got %+v", got.Models)
	}
}

func TestDefaultsAreCopies(t *testing.T) {
	c := New(nil, nil, 0, []string{"a", "b"}, "a")
	d := c.DefaultCouncil()
	d[0] = "mutated"
	if c.DefaultCouncil()[0] != "a" || c.DefaultChairman() != "a" {
		t.Fatalf("defaults must not be shared")
	}
}
