package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before))
	require.False(t, clk.Now().Before(got))
}
