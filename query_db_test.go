package ecsquery

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func newMockQuery(mock Queryer) *Query {
	return NewQuery(testRegistry(), NewFilterBuilderRegistry(), nil, DefaultConfig(), mock, nil)
}

// TestQuery_Exec_ScansEntityRows covers the row-scan loop: each returned id
// becomes an *Entity with an empty Components map.
func TestQuery_Exec_ScansEntityRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id1, id2 := uuid.New(), uuid.New()
	rows := pgxmock.NewRows([]string{"id"}).AddRow(id1).AddRow(id2)
	mock.ExpectQuery(`SELECT DISTINCT ec\.entity_id as id FROM entity_components ec WHERE ec\.type_id = \$1 AND ec\.deleted_at IS NULL ORDER BY ec\.entity_id`).
		WithArgs(int32(1)).
		WillReturnRows(rows)

	q := newMockQuery(mock)
	entities, err := q.With("position").Exec(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)
	require.Equal(t, id1, entities[0].ID)
	require.Equal(t, id2, entities[1].ID)
	require.NotNil(t, entities[0].Components)
	require.Empty(t, entities[0].Components)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_Count_WrapsGeneratedQueryInCountSubquery covers Count's
// subquery-wrapping and its own "count:" cache-key prefix.
func TestQuery_Count_WrapsGeneratedQueryInCountSubquery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM \(SELECT DISTINCT ec\.entity_id as id FROM entity_components ec WHERE ec\.type_id = \$1 AND ec\.deleted_at IS NULL ORDER BY ec\.entity_id\) AS subquery`).
		WithArgs(int32(1)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	q := newMockQuery(mock)
	count, err := q.With("position").Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_Sum_AppendsJoinAndTypeIDParam covers the aggregate helper
// backing Sum: the generated query is wrapped in a SUM(...) projection,
// joined back to entity_components/components for componentName, with
// its type-id appended as the final bound parameter.
func TestQuery_Sum_AppendsJoinAndTypeIDParam(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT SUM\(\(agg_c\.data->>'hp'\)::numeric\) FROM \(.*\) AS subquery JOIN entity_components agg_ec ON agg_ec\.entity_id = subquery\.id AND agg_ec\.type_id = \$2 AND agg_ec\.deleted_at IS NULL JOIN components agg_c ON agg_c\.id = agg_ec\.component_id`).
		WithArgs(int32(2), int32(2)).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(float64(42.5)))

	q := newMockQuery(mock)
	sum, err := q.With("health").Sum(context.Background(), "health", "hp")
	require.NoError(t, err)
	require.Equal(t, 42.5, sum)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_Average_NullResultYieldsZero covers aggregate's nil-scan
// fallback: SUM/AVG over zero matching rows returns SQL NULL, which must
// become 0, not an error.
func TestQuery_Average_NullResultYieldsZero(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT AVG`).
		WithArgs(int32(2), int32(2)).
		WillReturnRows(pgxmock.NewRows([]string{"avg"}).AddRow(nil))

	q := newMockQuery(mock)
	avg, err := q.With("health").Average(context.Background(), "health", "hp")
	require.NoError(t, err)
	require.Zero(t, avg)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_EstimatedCount_UsesCatalogReltuples covers the O(1) path: a
// positive reltuples value from pg_class is returned directly, without
// ever falling back to Count.
func TestQuery_EstimatedCount_UsesCatalogReltuples(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT reltuples FROM pg_class WHERE relname = \$1`).
		WithArgs("components_position").
		WillReturnRows(pgxmock.NewRows([]string{"reltuples"}).AddRow(float64(1500)))

	q := newMockQuery(mock)
	count, err := q.EstimatedCount(context.Background(), "position")
	require.NoError(t, err)
	require.Equal(t, int64(1500), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_EstimatedCount_FallsBackToCountWhenReltuplesIsZero covers the
// fallback path: a non-positive reltuples (an un-analyzed or freshly
// created partition) makes EstimatedCount run a real Count instead.
func TestQuery_EstimatedCount_FallsBackToCountWhenReltuplesIsZero(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT reltuples FROM pg_class WHERE relname = \$1`).
		WithArgs("components_position").
		WillReturnRows(pgxmock.NewRows([]string{"reltuples"}).AddRow(float64(0)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM \(SELECT id FROM entities WHERE deleted_at IS NULL ORDER BY id ASC\) AS subquery`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	q := newMockQuery(mock)
	count, err := q.EstimatedCount(context.Background(), "position")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestQuery_ExplainAnalyze_PrependsExplainAndJoinsPlanLines covers the
// EXPLAIN-wrapping and line-by-line plan scan.
func TestQuery_ExplainAnalyze_PrependsExplainAndJoinsPlanLines(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`EXPLAIN \(ANALYZE, BUFFERS\) SELECT DISTINCT ec\.entity_id as id FROM entity_components ec WHERE ec\.type_id = \$1 AND ec\.deleted_at IS NULL ORDER BY ec\.entity_id`).
		WithArgs(int32(1)).
		WillReturnRows(pgxmock.NewRows([]string{"QUERY PLAN"}).
			AddRow("Seq Scan on entity_components").
			AddRow("Planning Time: 0.1 ms"))

	q := newMockQuery(mock)
	plan, err := q.With("position").ExplainAnalyze(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "Seq Scan on entity_components\nPlanning Time: 0.1 ms", plan)

	require.NoError(t, mock.ExpectationsWereMet())
}
