package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/glowdesk/internal/plans"
)

func TestDayOf(t *testing.T) {
	// Late evening in a west-of-UTC zone is the next UTC day.
	loc := time.FixedZone("PST", -8*3600)
	at := time.Date(2026, 3, 14, 22, 30, 0, 0, loc)
	assert.Equal(t, Day("2026-03-15"), DayOf(at))
}

func TestMemoryStore_IncrementAggregates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	day := Day("2026-03-14")
	require.NoError(t, s.Increment(ctx, "t_1", day, plans.OpBioRadar, 1))
	require.NoError(t, s.Increment(ctx, "t_1", day, plans.OpBioRadar, 1))
	require.NoError(t, s.Increment(ctx, "t_1", day, plans.OpEbook, 10))

	entries, err := s.Summary(ctx, "t_1", 30)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, plans.OpBioRadar, entries[0].Operation)
	assert.Equal(t, 2, entries[0].Count)
	assert.Equal(t, 2, entries[0].Credits)
	assert.Equal(t, plans.OpEbook, entries[1].Operation)
	assert.Equal(t, 1, entries[1].Count)
	assert.Equal(t, 10, entries[1].Credits)
}

func TestMemoryStore_SummaryNewestFirstAndWindowed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Increment(ctx, "t_1", Day("2026-03-10"), plans.OpBioRadar, 1))
	require.NoError(t, s.Increment(ctx, "t_1", Day("2026-03-14"), plans.OpBioRadar, 1))
	require.NoError(t, s.Increment(ctx, "t_1", Day("2026-01-01"), plans.OpBioRadar, 1))

	entries, err := s.Summary(ctx, "t_1", 30)
	require.NoError(t, err)
	require.Len(t, entries, 2, "entry outside the 30-day window dropped")
	assert.Equal(t, Day("2026-03-14"), entries[0].Day)
	assert.Equal(t, Day("2026-03-10"), entries[1].Day)
}

func TestMemoryStore_TenantsIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Increment(ctx, "t_1", Day("2026-03-14"), plans.OpBioRadar, 1))

	entries, err := s.Summary(ctx, "t_2", 30)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorder_RecordIsAsyncAndBestEffort(t *testing.T) {
	s := NewMemoryStore()
	r := NewRecorder(s)
	r.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

	// A cancelled request context must not lose the write.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, "t_1", plans.OpAdCopy, 2)

	require.Eventually(t, func() bool {
		entries, err := s.Summary(context.Background(), "t_1", 30)
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	entries, err := s.Summary(context.Background(), "t_1", 30)
	require.NoError(t, err)
	assert.Equal(t, Day("2026-03-14"), entries[0].Day)
	assert.Equal(t, 2, entries[0].Credits)
}
