package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestCache_DefaultsMaxSizeWhenNonPositive(t *testing.T) {
	c := New(0)
	require.Equal(t, 100, c.Stats().MaxSize)
	c = New(-5)
	require.Equal(t, 100, c.Stats().MaxSize)
}

func TestCache_MissThenHit(t *testing.T) {
	c := New(10)

	sql, hit := c.GetOrCreate("k1", "SELECT 1", 5*time.Millisecond)
	require.False(t, hit)
	require.Equal(t, "SELECT 1", sql)
	require.Equal(t, int64(1), c.Stats().Misses)

	sql, hit = c.GetOrCreate("k1", "SELECT 1", 0)
	require.True(t, hit)
	require.Equal(t, "SELECT 1", sql)
	require.Equal(t, int64(1), c.Stats().Hits)
	require.Equal(t, 5*time.Millisecond, c.Stats().TotalPlanningTimeSaved)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.GetOrCreate("a", "SELECT a", 0)
	c.GetOrCreate("b", "SELECT b", 0)
	// touch "a" so "b" becomes the LRU entry
	c.GetOrCreate("a", "SELECT a", 0)
	c.GetOrCreate("c", "SELECT c", 0)

	require.Equal(t, int64(1), c.Stats().Evictions)
	require.Equal(t, 2, c.Stats().Size)

	_, hit := c.GetOrCreate("b", "SELECT b", 0)
	require.False(t, hit, "b should have been evicted")
}

func TestCache_InvalidateByComponent(t *testing.T) {
	c := New(10)
	c.GetOrCreate("req:5:filters:", "SELECT 5", 0)
	c.GetOrCreate("req:6:filters:", "SELECT 6", 0)
	c.GetOrCreate("req:51:filters:", "SELECT 51", 0)

	n := c.InvalidateByComponent(5)
	require.Equal(t, 2, n, "both req:5 and req:51 contain \"5\"")
	require.Equal(t, 1, c.Stats().Size)
}

func TestCache_ClearResetsCountersAndEntries(t *testing.T) {
	c := New(10)
	c.GetOrCreate("a", "SELECT a", 0)
	c.GetOrCreate("a", "SELECT a", 0)
	c.Clear()

	stats := c.Stats()
	require.Zero(t, stats.Size)
	require.Zero(t, stats.Hits)
	require.Zero(t, stats.Misses)
	require.Zero(t, stats.Evictions)
}

func TestCache_WarmUpSkipsExistingKeys(t *testing.T) {
	c := New(10)
	c.GetOrCreate("a", "SELECT original", 0)
	c.WarmUp(map[string]string{"a": "SELECT overwritten", "b": "SELECT b"})

	sql, hit := c.GetOrCreate("a", "unused", 0)
	require.True(t, hit)
	require.Equal(t, "SELECT original", sql)

	sql, hit = c.GetOrCreate("b", "unused", 0)
	require.True(t, hit)
	require.Equal(t, "SELECT b", sql)
}

// TestExecute_RunsSQLAgainstQueryer covers the one thing this package hands
// off to pgx: Execute passes the cached SQL and params straight through to
// the Queryer it's given, unmodified.
func TestExecute_RunsSQLAgainstQueryer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2))
	mock.ExpectQuery(`SELECT id FROM components_position WHERE type_id = \$1`).
		WithArgs(int32(7)).
		WillReturnRows(rows)

	c := New(10)
	got, err := c.Execute(context.Background(), mock, "SELECT id FROM components_position WHERE type_id = $1", []any{int32(7)})
	require.NoError(t, err)
	defer got.Close()

	var ids []int64
	for got.Next() {
		var id int64
		require.NoError(t, got.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, got.Err())
	require.Equal(t, []int64{1, 2}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestExecute_PropagatesQueryError covers the cache layer's documented
// behavior of not swallowing or re-wrapping a Queryer error — that's left
// to the caller, which has the SQL/param diagnostic context.
func TestExecute_PropagatesQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT 1`).WillReturnError(context.DeadlineExceeded)

	c := New(10)
	_, err = c.Execute(context.Background(), mock, "SELECT 1", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_String(t *testing.T) {
	s := Stats{Size: 1, MaxSize: 10, Hits: 2, Misses: 3, Evictions: 1}
	require.Contains(t, s.String(), "size=1/10")
	require.Contains(t, s.String(), "hits=2")
}
