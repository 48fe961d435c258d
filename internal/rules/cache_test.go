package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mutt/pipeline/internal/event"
)

type stubStore struct {
	snap *Snapshot
	err  error
}

func (s *stubStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.snap, s.err
}

func TestCacheRefreshSwapsSnapshot(t *testing.T) {
	first, err := NewSnapshot([]*Rule{
		{ID: 1, MatchString: "old", MatchType: MatchContains,
			ProdHandling: event.DecisionPageOnly, Active: true},
	}, nil, nil)
	require.NoError(t, err)

	store := &stubStore{snap: first}
	cache := NewCache(store, func() time.Duration { return time.Hour })
	require.NoError(t, cache.Refresh(context.Background()))

	assert.True(t, cache.Match(mkEvent("h", "old message")).Matched())

	second, err := NewSnapshot([]*Rule{
		{ID: 2, MatchString: "new", MatchType: MatchContains,
			ProdHandling: event.DecisionPageOnly, Active: true},
	}, nil, nil)
	require.NoError(t, err)
	store.snap = second
	require.NoError(t, cache.Refresh(context.Background()))

	assert.False(t, cache.Match(mkEvent("h", "old message")).Matched())
	assert.True(t, cache.Match(mkEvent("h", "new message")).Matched())
}

func TestCacheKeepsSnapshotOnRefreshFailure(t *testing.T) {
	snap, err := NewSnapshot([]*Rule{
		{ID: 1, MatchString: "keep", MatchType: MatchContains,
			ProdHandling: event.DecisionPageOnly, Active: true},
	}, nil, nil)
	require.NoError(t, err)

	store := &stubStore{snap: snap}
	cache := NewCache(store, func() time.Duration { return time.Hour })
	require.NoError(t, cache.Refresh(context.Background()))

	store.err = errors.New("postgres is down")
	assert.Error(t, cache.Refresh(context.Background()))
	assert.True(t, cache.Match(mkEvent("h", "keep serving")).Matched(),
		"previous snapshot must survive a failed refresh")
}

func TestForceRefreshDoesNotBlock(t *testing.T) {
	cache := NewCache(&stubStore{}, func() time.Duration { return time.Hour })

	// No loop is draining the channel; repeated requests must still return.
	for i := 0; i < 5; i++ {
		cache.ForceRefresh()
	}
}
