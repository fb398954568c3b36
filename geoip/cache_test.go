package geoip

import (
	"context"
	"sync"
	"testing"
	"time"
)

type staticResolver struct {
	mu    sync.Mutex
	calls int
	code  string
	done  chan struct{}
}

func (r *staticResolver) LookupCountry(ctx context.Context, ip string) string {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	defer func() { r.done <- struct{}{} }()
	return r.code
}

func TestCacheMissReturnsImmediately(t *testing.T) {
	r := &staticResolver{code: "DE", done: make(chan struct{}, 1)}
	c := NewCache(r, time.Minute)

	if got := c.LookupCountry(context.Background(), "203.0.113.7"); got != "" {
		t.Fatalf("first lookup = %q, want empty while resolving", got)
	}
	<-r.done

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := c.LookupCountry(context.Background(), "203.0.113.7"); got == "DE" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolved country never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.mu.Lock()
	calls := r.calls
	r.mu.Unlock()
	if calls != 1 {
		t.Errorf("resolver calls = %d, want 1", calls)
	}
}

func TestCacheKeysByIP(t *testing.T) {
	r := &staticResolver{code: "FR", done: make(chan struct{}, 2)}
	c := NewCache(r, time.Minute)

	c.LookupCountry(context.Background(), "198.51.100.1")
	<-r.done

	// a different address resolves independently
	if got := c.LookupCountry(context.Background(), "198.51.100.2"); got != "" {
		t.Fatalf("unrelated address served from cache: %q", got)
	}
	<-r.done
}
