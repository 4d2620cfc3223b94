package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-auth/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis state store tests: %v", err)
	}
	s.keyPrefix = fmt.Sprintf("authtest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = s.client.Del(ctx, iter.Val()).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestStore_SaveAndConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, &storage.FlowState{
		State:        "abc",
		ProviderID:   "google",
		CodeVerifier: "v",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	ttl, err := s.client.TTL(ctx, s.stateKey("abc")).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl = %v", ttl)

	got, err := s.ConsumeState(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "google", got.ProviderID)
	assert.Equal(t, "v", got.CodeVerifier)

	_, err = s.ConsumeState(ctx, "abc")
	assert.ErrorIs(t, err, storage.ErrStateNotFound)
}

func TestStore_ConsumeUnknown(t *testing.T) {
	s := testStore(t)
	_, err := s.ConsumeState(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrStateNotFound)
}

func TestStore_SaveInvalid(t *testing.T) {
	s := testStore(t)
	assert.ErrorIs(t, s.SaveState(context.Background(), &storage.FlowState{State: "x"}), storage.ErrInvalidState)
}
