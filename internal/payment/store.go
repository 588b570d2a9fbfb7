package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore checkpoints the terminal's session as JSON under one key per
// terminal. The ledger is stored as its transaction list and re-summed on load.
type RedisStore struct {
	R          redis.UniversalClient
	Prefix     string
	TTL        time.Duration
	TerminalID string
}

func (st RedisStore) key(terminalID string) string {
	prefix := st.Prefix
	if prefix == "" {
		prefix = "pos:session:"
	}
	return prefix + terminalID
}

// Save writes the session checkpoint.
func (st RedisStore) Save(ctx context.Context, s *Session) error {
	if st.R == nil {
		return errors.New("payment: redis client not configured")
	}
	if s == nil {
		return errors.New("payment: nil session")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("payment: encode checkpoint: %w", err)
	}
	ttl := st.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return st.R.Set(ctx, st.key(s.TerminalID), data, ttl).Err()
}

// Load returns the checkpoint for terminalID, or nil when there is none.
func (st RedisStore) Load(ctx context.Context, terminalID string) (*Session, error) {
	if st.R == nil {
		return nil, errors.New("payment: redis client not configured")
	}
	data, err := st.R.Get(ctx, st.key(terminalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("payment: decode checkpoint: %w", err)
	}
	return &s, nil
}

// Delete removes the checkpoint for terminalID.
func (st RedisStore) Delete(ctx context.Context, terminalID string) error {
	if st.R == nil {
		return errors.New("payment: redis client not configured")
	}
	return st.R.Del(ctx, st.key(terminalID)).Err()
}

// Clear drops this terminal's checkpoint if it belongs to orderID. It lets
// the finalization handler clear session state after a completed order.
func (st RedisStore) Clear(ctx context.Context, orderID string) error {
	s, err := st.Load(ctx, st.TerminalID)
	if err != nil || s == nil {
		return err
	}
	if s.OrderID != orderID {
		return nil
	}
	return st.Delete(ctx, st.TerminalID)
}
