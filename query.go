package ecsquery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/entityql/ecsquery/internal/cache"
	"github.com/entityql/ecsquery/internal/dag"
	"github.com/entityql/ecsquery/internal/hydrate"
)

// Queryer is the subset of a pgx pool or transaction the builder needs to
// run a query. *pgxpool.Pool and pgx.Tx both satisfy it.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NoCacheOptions controls which caching layers Query.NoCache bypasses.
type NoCacheOptions struct {
	PreparedStatement bool
	Component         bool
}

// Query is the fluent builder over one ECS query (spec §4.6). Build it
// with NewQuery, chain With/Without/SortBy/Take/... calls, and finish with
// a terminal operation (Exec, Count, Sum, Average, EstimatedCount,
// ExplainAnalyze).
type Query struct {
	registry ComponentRegistry
	filters  *FilterBuilderRegistry
	cache    *cache.PreparedStatementCache
	cfg      Config
	db       Queryer
	logger   *zap.Logger

	ctx *QueryContext

	err error

	eagerAll   bool
	noCache    NoCacheOptions
	debug      bool
}

// NewQuery constructs an empty builder. registry must already be ready
// (call registry.EnsureReady() beforehand, or rely on it being
// synchronously populated).
func NewQuery(registry ComponentRegistry, filters *FilterBuilderRegistry, statementCache *cache.PreparedStatementCache, cfg Config, db Queryer, logger *zap.Logger) *Query {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query{
		registry: registry,
		filters:  filters,
		cache:    statementCache,
		cfg:      cfg,
		db:       db,
		logger:   logger,
		ctx:      NewQueryContext(),
	}
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

func (q *Query) resolve(name string) (int32, error) {
	id, ok := q.registry.ComponentID(name)
	if !ok {
		return 0, ErrorUnregisteredComponent(name)
	}
	return id, nil
}

// FindById restricts the query to a single entity identity.
func (q *Query) FindById(id uuid.UUID) *Query {
	q.ctx.withID = &id
	return q
}

// FindOneById is the terminal convenience form of FindById: it runs the
// query and returns the single matching entity, or nil if none matched.
func (q *Query) FindOneById(ctx context.Context, id uuid.UUID) (*Entity, error) {
	entities, err := q.FindById(id).Take(1).Exec(ctx)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

// With requires componentName, optionally constrained by filters (spec
// §4.6 `with(componentCtor, {filters?})`). Calling With multiple times
// requires all of them (spec §3 invariant on componentIds).
func (q *Query) With(componentName string, filters ...QueryFilter) *Query {
	id, err := q.resolve(componentName)
	if err != nil {
		return q.fail(err)
	}
	q.ctx.requireComponent(id)
	if len(filters) > 0 {
		q.ctx.addFilters(id, filters)
	}
	return q
}

// WithOr adds a disjunctive constraint built with Or (spec §4.6
// `with(orQuery)`): an entity matches the OR iff at least one branch's
// component+filter condition holds.
func (q *Query) WithOr(query OrQuery) *Query {
	branches := make([]OrBranch, 0, len(query.branches))
	for _, b := range query.branches {
		id, err := q.resolve(b.Component)
		if err != nil {
			return q.fail(err)
		}
		branches = append(branches, OrBranch{ComponentTypeID: id, Filters: b.Filters})
	}
	q.ctx.orBranches = append(q.ctx.orBranches, branches...)
	return q
}

// Without excludes entities holding componentName.
func (q *Query) Without(componentName string) *Query {
	id, err := q.resolve(componentName)
	if err != nil {
		return q.fail(err)
	}
	q.ctx.excludeComponent(id)
	return q
}

// ExcludeEntityId removes a specific entity from the result set.
func (q *Query) ExcludeEntityId(id uuid.UUID) *Query {
	q.ctx.excludedEntityIDs[id] = struct{}{}
	return q
}

// SortBy orders results by a property of componentName, which must
// already have been added via With (spec property 10, seed scenario S6).
func (q *Query) SortBy(componentName, property string, dir SortDirection, nullsFirst bool) *Query {
	id, err := q.resolve(componentName)
	if err != nil {
		return q.fail(err)
	}
	if !q.ctx.IsRequired(id) {
		return q.fail(fmt.Errorf("cannot sort by component %s that is not included", componentName))
	}
	if dir == "" {
		dir = SortAsc
	}
	q.ctx.sortOrders = append(q.ctx.sortOrders, SortOrder{
		ComponentTypeID: id,
		Property:        property,
		Direction:       dir,
		NullsFirst:      nullsFirst,
	})
	return q
}

// Take sets the result page size.
func (q *Query) Take(n int) *Query {
	q.ctx.limit = &n
	return q
}

// Offset skips the first n results. Has no effect once Cursor is set.
func (q *Query) Offset(n int) *Query {
	if q.ctx.cursorID != nil {
		return q
	}
	q.ctx.offsetValue = n
	return q
}

// Cursor switches to keyset pagination, zeroing any offset previously set
// (spec §4.6: "cursor mode zeroes offset").
func (q *Query) Cursor(id uuid.UUID, direction CursorDirection) *Query {
	q.ctx.cursorID = &id
	q.ctx.cursorDirection = direction
	q.ctx.offsetValue = 0
	return q
}

// Populate eager-loads every required component after execution.
func (q *Query) Populate() *Query {
	q.eagerAll = true
	return q
}

// EagerLoadComponents eager-loads exactly the named components after
// execution, regardless of the required set.
func (q *Query) EagerLoadComponents(names ...string) *Query {
	for _, name := range names {
		id, err := q.resolve(name)
		if err != nil {
			return q.fail(err)
		}
		q.ctx.eagerComponents[id] = struct{}{}
	}
	return q
}

// DebugMode toggles verbose logging of SQL, parameter count, and cache
// outcome for this query (spec §7).
func (q *Query) DebugMode(on bool) *Query {
	q.debug = on
	q.ctx.debug = on
	return q
}

// NoCache bypasses the named caching layers for this query only.
func (q *Query) NoCache(opts NoCacheOptions) *Query {
	q.noCache = opts
	return q
}

// withTimeout bounds a terminal operation to cfg.QueryTimeout (default
// 30s, spec §4.6/§5), translating context deadline expiry into
// QueryTimeout.
func (q *Query) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	budget := q.cfg.QueryTimeout
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return context.WithTimeout(parent, budget)
}

func translateTimeout(err error, budget time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorQueryTimeout(budget.String())
	}
	return err
}

// Exec builds the DAG, executes it, validates parameters, and returns the
// matching entities — hydrated, if Populate/EagerLoadComponents was
// requested (spec §4.6).
func (q *Query) Exec(parent context.Context) ([]*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}

	ctxTimeout, cancel := q.withTimeout(parent)
	defer cancel()

	sql, cacheKey, planMS, err := q.plan()
	if err != nil {
		return nil, err
	}

	execSQL, isHit := q.lookupCache(cacheKey, sql, planMS)
	if q.debug {
		_, inTx := q.db.(pgx.Tx)
		q.logger.Debug("ecsquery exec",
			zap.String("sql", execSQL),
			zap.String("fingerprint", fingerprintHash(cacheKey)),
			zap.Int("params", len(q.ctx.Params())),
			zap.Bool("cacheHit", isHit),
			zap.Bool("transaction", inTx),
		)
	}

	rows, err := q.runQuery(ctxTimeout, execSQL, q.ctx.Params())
	if err != nil {
		return nil, translateTimeout(err, q.cfg.QueryTimeout)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, ErrorDatabase(execSQL, err)
		}
		entities = append(entities, &Entity{ID: id, Components: make(map[int32]Component)})
	}
	if err := rows.Err(); err != nil {
		return nil, ErrorDatabase(execSQL, err)
	}

	if err := q.hydrateIfRequested(ctxTimeout, entities); err != nil {
		return nil, err
	}

	return entities, nil
}

// plan resets the context, builds the DAG, runs it, and validates every
// bound parameter before returning SQL ready for caching/execution.
func (q *Query) plan() (sql, cacheKey string, planningTime time.Duration, err error) {
	q.ctx.reset()

	start := time.Now()
	d, err := q.buildDAG()
	if err != nil {
		return "", "", 0, err
	}

	execCtx := dag.NewExecContext(q.ctx.AddParam)
	sql, err = d.Execute(execCtx)
	if err != nil {
		return "", "", 0, err
	}
	q.ctx.hasCTE = execCtx.HasCTE
	q.ctx.cteName = execCtx.CTEName
	q.ctx.paginationAppliedInCTE = execCtx.PaginationAppliedInCTE
	planningTime = time.Since(start)

	if err := q.validateParams(sql); err != nil {
		return "", "", 0, err
	}

	return sql, q.ctx.generateCacheKey(), planningTime, nil
}

// validateParams fails InvalidFilterValue if any bound parameter is an
// empty string — an empty string would become a malformed UUID or an
// always-false comparison downstream, so it is rejected before the DB
// call (spec §4.6, testable property 7, seed scenario S5).
func (q *Query) validateParams(sqlPrefix string) error {
	for i, p := range q.ctx.Params() {
		if s, ok := p.(string); ok && s == "" {
			return ErrorInvalidFilterValue(i+1, sqlPrefix, "parameter value must not be empty")
		}
	}
	return nil
}

func (q *Query) lookupCache(key, sql string, planningTime time.Duration) (string, bool) {
	if q.noCache.PreparedStatement || q.cache == nil {
		return sql, false
	}
	return q.cache.GetOrCreate(key, sql, planningTime)
}

func (q *Query) runQuery(ctx context.Context, sql string, params []any) (pgx.Rows, error) {
	return q.db.Query(ctx, sql, params...)
}

// hydrateIfRequested populates components for entities per Populate()/
// EagerLoadComponents() (spec §4.6's populateComponents).
func (q *Query) hydrateIfRequested(ctx context.Context, entities []*Entity) error {
	typeIDs := q.eagerTypeIDs()
	if len(typeIDs) == 0 || len(entities) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*Entity, len(entities))
	ids := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
		byID[e.ID] = e
	}

	dateProps := make(map[int32][]string, len(typeIDs))
	for _, t := range typeIDs {
		if desc, ok := q.registry.Descriptor(t); ok {
			dateProps[t] = desc.DateProperties
		}
	}

	partitionOf := func(typeID int32) (string, bool) {
		if !q.cfg.DirectPartitionEligible() {
			return "", false
		}
		return q.registry.PartitionTableName(typeID)
	}

	rows, err := hydrate.FetchConcurrent(ctx, q.db, ids, typeIDs, partitionOf, dateProps)
	if err != nil {
		return translateTimeout(ErrorDatabase("hydration", err), q.cfg.QueryTimeout)
	}

	for _, row := range rows {
		entity, ok := byID[row.EntityID]
		if !ok {
			continue
		}
		desc, _ := q.registry.Descriptor(row.TypeID)
		data := row.Data
		if desc.Constructor != nil {
			base := desc.Constructor()
			for k, v := range row.Data {
				base[k] = v
			}
			data = base
		}
		entity.Components[row.TypeID] = Component{
			TypeID:    row.TypeID,
			EntityID:  row.EntityID,
			Data:      data,
			CreatedAt: row.CreatedAt,
			DeletedAt: row.DeletedAt,
		}
	}
	return nil
}

func (q *Query) eagerTypeIDs() []int32 {
	set := make(map[int32]struct{})
	if q.eagerAll {
		for _, id := range q.ctx.RequiredComponents() {
			set[id] = struct{}{}
		}
	}
	for id := range q.ctx.eagerComponents {
		set[id] = struct{}{}
	}
	out := make([]int32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count wraps the generated query as a subquery and counts its rows,
// caching under a "count:" prefixed fingerprint (spec §4.6).
func (q *Query) Count(parent context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	ctxTimeout, cancel := q.withTimeout(parent)
	defer cancel()

	sql, cacheKey, planMS, err := q.plan()
	if err != nil {
		return 0, err
	}
	wrapped := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS subquery", sql)
	key := "count:" + cacheKey
	execSQL, _ := q.lookupCache(key, wrapped, planMS)

	var count int64
	if err := q.db.QueryRow(ctxTimeout, execSQL, q.ctx.Params()...).Scan(&count); err != nil {
		return 0, translateTimeout(ErrorDatabase(execSQL, err), q.cfg.QueryTimeout)
	}
	return count, nil
}

// Sum wraps the generated query and projects SUM((data->>field)::numeric)
// over componentName's rows, joined through the parent components table
// (not its partition table), caching under a "typeId:field:" prefixed
// fingerprint (spec §4.6).
func (q *Query) Sum(parent context.Context, componentName, field string) (float64, error) {
	return q.aggregate(parent, componentName, field, "SUM")
}

// Average is Sum's AVG counterpart.
func (q *Query) Average(parent context.Context, componentName, field string) (float64, error) {
	return q.aggregate(parent, componentName, field, "AVG")
}

func (q *Query) aggregate(parent context.Context, componentName, field, fn string) (float64, error) {
	if q.err != nil {
		return 0, q.err
	}
	typeID, err := q.resolve(componentName)
	if err != nil {
		return 0, err
	}

	ctxTimeout, cancel := q.withTimeout(parent)
	defer cancel()

	sql, cacheKey, planMS, err := q.plan()
	if err != nil {
		return 0, err
	}

	col := BuildJsonPath(field, "agg_c")
	wrapped := fmt.Sprintf(
		"SELECT %s((%s)::numeric) FROM (%s) AS subquery JOIN entity_components agg_ec ON agg_ec.entity_id = subquery.id AND agg_ec.type_id = $%d AND agg_ec.deleted_at IS NULL JOIN components agg_c ON agg_c.id = agg_ec.component_id",
		fn, col, sql, len(q.ctx.Params())+1,
	)
	params := append(append([]any{}, q.ctx.Params()...), typeID)

	key := fmt.Sprintf("%d:%s:%s", typeID, field, cacheKey)
	execSQL, _ := q.lookupCache(key, wrapped, planMS)

	var result *float64
	if err := q.db.QueryRow(ctxTimeout, execSQL, params...).Scan(&result); err != nil {
		return 0, translateTimeout(ErrorDatabase(execSQL, err), q.cfg.QueryTimeout)
	}
	if result == nil {
		return 0, nil
	}
	return *result, nil
}

// EstimatedCount reads `reltuples` from the PostgreSQL catalog for
// componentName's partition table — O(1) regardless of table size —
// falling back to Count() when the catalog has no statistics (spec §4.6).
func (q *Query) EstimatedCount(parent context.Context, componentName string) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	typeID, err := q.resolve(componentName)
	if err != nil {
		return 0, err
	}
	table, ok := q.registry.PartitionTableName(typeID)
	if !ok {
		return 0, ErrorUnregisteredComponent(componentName)
	}

	ctxTimeout, cancel := q.withTimeout(parent)
	defer cancel()

	var reltuples float64
	err = q.db.QueryRow(ctxTimeout, "SELECT reltuples FROM pg_class WHERE relname = $1", table).Scan(&reltuples)
	if err != nil {
		return 0, translateTimeout(ErrorDatabase("pg_class lookup", err), q.cfg.QueryTimeout)
	}
	if reltuples <= 0 {
		return q.Count(parent)
	}
	return int64(reltuples), nil
}

// ExplainAnalyze prepends EXPLAIN (ANALYZE[, BUFFERS]) to the generated
// query and returns the plan text, one line per row (spec §4.6).
func (q *Query) ExplainAnalyze(parent context.Context, buffers bool) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	ctxTimeout, cancel := q.withTimeout(parent)
	defer cancel()

	sql, _, _, err := q.plan()
	if err != nil {
		return "", err
	}

	explain := "EXPLAIN (ANALYZE"
	if buffers {
		explain += ", BUFFERS"
	}
	explain += ") " + sql

	rows, err := q.db.Query(ctxTimeout, explain, q.ctx.Params()...)
	if err != nil {
		return "", translateTimeout(ErrorDatabase(explain, err), q.cfg.QueryTimeout)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", ErrorDatabase(explain, err)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), rows.Err()
}

// fingerprintHash is a short, stable hash of a cache key, used only for
// log lines where the full structural key would be noisy.
func fingerprintHash(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:10]
}
