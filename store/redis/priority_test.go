package redis_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/store/redis"
)

// newStore connects to the Redis instance named by INTROQ_REDIS_ADDR.
// Tests are skipped when the variable is unset.
func newStore(t *testing.T) *redis.Store {
	t.Helper()
	addr := os.Getenv("INTROQ_REDIS_ADDR")
	if addr == "" {
		t.Skip("INTROQ_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("close client: %v", err)
		}
	})

	s := redis.New(client)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return s
}

func newEntry(user id.UserID, kind string, item id.ID, score float64) *priority.Entry {
	now := time.Now().UTC()
	return &priority.Entry{
		ID:        id.NewPriorityID(),
		UserID:    user,
		ItemKind:  kind,
		ItemID:    item,
		Score:     score,
		Status:    priority.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestQueueOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()

	low := newEntry(user, "request", id.NewRequestID(), 1)
	high := newEntry(user, "opportunity", id.NewOpportunityID(), 5)
	for _, e := range []*priority.Entry{low, high} {
		if err := s.UpsertActive(ctx, e); err != nil {
			t.Fatalf("UpsertActive: %v", err)
		}
	}

	next, err := s.NextForUser(ctx, user)
	if err != nil {
		t.Fatalf("NextForUser: %v", err)
	}
	if next.ItemID != high.ItemID {
		t.Errorf("next = %s, want the higher-scored item", next.ItemID)
	}

	active, err := s.ListForUser(ctx, user, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].Score < active[1].Score {
		t.Errorf("active = %+v, want descending scores", active)
	}
}

func TestSettleRemovesFromQueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()
	item := id.NewOfferID()

	if err := s.UpsertActive(ctx, newEntry(user, "offer", item, 3)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, user, "offer", item, priority.StatusActioned); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := s.NextForUser(ctx, user); !errors.Is(err, introq.ErrPriorityNotFound) {
		t.Errorf("settled queue: %v, want ErrPriorityNotFound", err)
	}

	// Settling a missing entry is a no-op.
	if err := s.SetStatus(ctx, user, "offer", id.NewOfferID(), priority.StatusCancelled); err != nil {
		t.Errorf("missing entry SetStatus: %v", err)
	}
}

func TestExpireBefore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()

	past := time.Now().UTC().Add(-time.Hour)
	stale := newEntry(user, "offer", id.NewOfferID(), 2)
	stale.ExpiresAt = &past
	fresh := newEntry(user, "opportunity", id.NewOpportunityID(), 4)
	for _, e := range []*priority.Entry{stale, fresh} {
		if err := s.UpsertActive(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ExpireBefore(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	next, err := s.NextForUser(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if next.ItemID != fresh.ItemID {
		t.Errorf("next = %s, want the unexpired item", next.ItemID)
	}
}
