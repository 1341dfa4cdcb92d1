package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
)

// UpsertActive stores e as the active entry for its (user, kind, item)
// triple, replacing any previous one, and indexes it in the user's queue.
func (s *Store) UpsertActive(ctx context.Context, e *priority.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("introq/redis: marshal entry: %w", err)
	}

	m := member(e.UserID, e.ItemKind, e.ItemID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(e.UserID, e.ItemKind, e.ItemID), data, 0)
	pipe.ZAdd(ctx, queueKey(e.UserID), goredis.Z{Score: e.Score, Member: m})
	if e.ExpiresAt != nil {
		pipe.ZAdd(ctx, expiryKey, goredis.Z{Score: float64(e.ExpiresAt.Unix()), Member: m})
	} else {
		pipe.ZRem(ctx, expiryKey, m)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("introq/redis: upsert active: %w", err)
	}
	return nil
}

// SetStatus settles the active entry for (userID, itemKind, itemID): the
// stored blob keeps the terminal status, and the entry leaves the user's
// queue. Missing entries are a no-op.
func (s *Store) SetStatus(ctx context.Context, userID id.UserID, itemKind string, itemID id.ID, status priority.Status) error {
	key := entryKey(userID, itemKind, itemID)

	e, err := s.getEntry(ctx, key)
	if err != nil {
		if errors.Is(err, introq.ErrPriorityNotFound) {
			return nil
		}
		return err
	}
	if e.Status != priority.StatusActive {
		return nil
	}

	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("introq/redis: marshal entry: %w", err)
	}

	m := member(userID, itemKind, itemID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.ZRem(ctx, queueKey(userID), m)
	pipe.ZRem(ctx, expiryKey, m)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("introq/redis: set priority status: %w", err)
	}
	return nil
}

// NextForUser returns the user's highest-scored active entry. Equal scores
// tie-break on member order rather than creation time; the SQL backends are
// authoritative when exact FIFO ties matter.
func (s *Store) NextForUser(ctx context.Context, userID id.UserID) (*priority.Entry, error) {
	members, err := s.client.ZRevRange(ctx, queueKey(userID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("introq/redis: next for user: %w", err)
	}
	if len(members) == 0 {
		return nil, introq.ErrPriorityNotFound
	}
	return s.getEntry(ctx, keyPrefix+"priority:entry:"+members[0])
}

// ListForUser returns the user's active entries ordered by descending score.
func (s *Store) ListForUser(ctx context.Context, userID id.UserID, limit int) ([]*priority.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, queueKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("introq/redis: list for user: %w", err)
	}

	entries := make([]*priority.Entry, 0, len(members))
	for _, m := range members {
		e, getErr := s.getEntry(ctx, keyPrefix+"priority:entry:"+m)
		if getErr != nil {
			if errors.Is(getErr, introq.ErrPriorityNotFound) {
				continue
			}
			return nil, getErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ExpireBefore settles active entries whose expiry precedes cutoff,
// returning how many were expired.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, expiryKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()+1),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("introq/redis: expire before: %w", err)
	}

	expired := 0
	for _, m := range members {
		userStr, itemKind, itemStr, ok := splitMember(m)
		if !ok {
			s.client.ZRem(ctx, expiryKey, m)
			continue
		}
		userID, uErr := id.Parse(userStr)
		if uErr != nil {
			s.client.ZRem(ctx, expiryKey, m)
			continue
		}
		itemID, iErr := id.Parse(itemStr)
		if iErr != nil {
			s.client.ZRem(ctx, expiryKey, m)
			continue
		}

		key := entryKey(userID, itemKind, itemID)
		e, getErr := s.getEntry(ctx, key)
		if getErr != nil {
			if errors.Is(getErr, introq.ErrPriorityNotFound) {
				s.client.ZRem(ctx, expiryKey, m)
				continue
			}
			return expired, getErr
		}
		if e.Status != priority.StatusActive || e.ExpiresAt == nil || !e.ExpiresAt.Before(cutoff) {
			continue
		}

		e.Status = priority.StatusExpired
		e.UpdatedAt = time.Now().UTC()
		data, mErr := json.Marshal(e)
		if mErr != nil {
			return expired, fmt.Errorf("introq/redis: marshal entry: %w", mErr)
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		pipe.ZRem(ctx, queueKey(userID), m)
		pipe.ZRem(ctx, expiryKey, m)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return expired, fmt.Errorf("introq/redis: expire entry: %w", pErr)
		}
		expired++
	}
	return expired, nil
}

func (s *Store) getEntry(ctx context.Context, key string) (*priority.Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, introq.ErrPriorityNotFound
		}
		return nil, fmt.Errorf("introq/redis: get entry: %w", err)
	}

	var e priority.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("introq/redis: unmarshal entry: %w", err)
	}
	return &e, nil
}
