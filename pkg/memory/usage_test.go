package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcliao/teeny-agents/pkg/usage"
)

func TestUsageLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, usage.Record{Provider: "anthropic", Model: "claude", InputTokens: 10, OutputTokens: 2, CreatedAt: base}))
	require.NoError(t, s.RecordUsage(ctx, usage.Record{Provider: "openai", Model: "gpt", InputTokens: 5, OutputTokens: 1, CreatedAt: base.Add(2 * time.Hour)}))

	all, err := s.UsageSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "anthropic", all[0].Provider)
	require.Equal(t, 10, all[0].InputTokens)

	recent, err := s.UsageSince(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "openai", recent[0].Provider)
}

func TestUsageSince_SubSecondBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{
		base.Add(time.Second),
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(time.Second + time.Microsecond),
	} {
		require.NoError(t, s.RecordUsage(ctx, usage.Record{Provider: "p", Model: "m", InputTokens: i, CreatedAt: at}))
	}

	all, err := s.UsageSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, []int{1, 2, 0, 3}, []int{all[0].InputTokens, all[1].InputTokens, all[2].InputTokens, all[3].InputTokens})

	recent, err := s.UsageSince(ctx, base.Add(120*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, 2, recent[0].InputTokens)

	whole, err := s.UsageSince(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, whole, 2)
	require.Equal(t, 0, whole[0].InputTokens)
}
