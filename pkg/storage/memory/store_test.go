package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListOrdersNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	t0 := time.Now()
	require.NoError(t, s.RecordHandshake(ctx, "sess-1", t0))
	require.NoError(t, s.RecordRekey(ctx, "sess-1", t0.Add(time.Second)))
	require.NoError(t, s.RecordRekey(ctx, "sess-1", t0.Add(2*time.Second)))

	events, err := s.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "rekey", events[0].Kind)
	assert.True(t, events[0].At.After(events[1].At))
}

func TestListRespectsLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordRekey(ctx, "sess-1", time.Now()))
	}

	events, err := s.List(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestListIsolatesSessions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.RecordHandshake(ctx, "sess-1", time.Now()))
	require.NoError(t, s.RecordHandshake(ctx, "sess-2", time.Now()))

	events, err := s.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
