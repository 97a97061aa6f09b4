package verification

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingGate struct {
	inner Gate
	calls int
}

func (g *countingGate) IsVerified(ctx context.Context, accountID string) (bool, error) {
	g.calls++
	return g.inner.IsVerified(ctx, accountID)
}

func TestCachedGateCachesPositiveAnswers(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	inner := &countingGate{inner: NewStaticGate("alice.catch.near")}
	gate := NewCachedGate(inner, client, time.Minute, "test:", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		verified, err := gate.IsVerified(ctx, "alice.catch.near")
		if err != nil || !verified {
			t.Fatalf("call %d: verified=%v err=%v", i, verified, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one provider call, got %d", inner.calls)
	}
}

func TestCachedGateDoesNotCacheNegativeAnswers(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	inner := &countingGate{inner: NewStaticGate()}
	gate := NewCachedGate(inner, client, time.Minute, "test:", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		verified, err := gate.IsVerified(ctx, "bob.catch.near")
		if err != nil || verified {
			t.Fatalf("call %d: verified=%v err=%v", i, verified, err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("negative answers must reach the provider every time, got %d calls", inner.calls)
	}
}

func TestCachedGateExpiry(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	inner := &countingGate{inner: NewStaticGate("alice.catch.near")}
	gate := NewCachedGate(inner, client, time.Second, "test:", nil)
	ctx := context.Background()

	if _, err := gate.IsVerified(ctx, "alice.catch.near"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	s.FastForward(2 * time.Second)
	if _, err := gate.IsVerified(ctx, "alice.catch.near"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected a provider call after expiry, got %d", inner.calls)
	}
}

func TestCachedGateSurvivesRedisOutage(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	s.Close()

	inner := &countingGate{inner: NewStaticGate("alice.catch.near")}
	gate := NewCachedGate(inner, client, time.Minute, "test:", nil)

	verified, err := gate.IsVerified(context.Background(), "alice.catch.near")
	if err != nil || !verified {
		t.Fatalf("cache outage must fall through to the provider: verified=%v err=%v", verified, err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected provider call, got %d", inner.calls)
	}
}
