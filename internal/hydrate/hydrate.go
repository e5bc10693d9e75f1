// Package hydrate performs the bulk component-hydration fetch described in
// spec §4.6: one SELECT keyed by (entity_id, type_id), scanned into typed
// rows via pgx/pgtype, with declared Date properties reparsed from their
// stored string form. It has no dependency on the public ecsquery types —
// callers attach returned rows to their own entity representation — which
// keeps this package usable from the query builder without an import
// cycle back to it.
package hydrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"
)

// Row is one hydrated component payload.
type Row struct {
	EntityID  uuid.UUID
	TypeID    int32
	Data      map[string]any
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Queryer is the subset of a pgx pool/transaction this package needs.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Request describes one hydration fetch.
type Request struct {
	EntityIDs []uuid.UUID
	TypeIDs   []int32

	// DirectPartitionTable, when non-empty, addresses a single
	// component's partition table directly instead of the parent
	// `components` table — only valid when exactly one type-id is
	// requested (spec §4.6).
	DirectPartitionTable string

	// DateProperties maps type-id to the property names that must be
	// reparsed from their stored string form into time.Time after JSON
	// decode (the registry's declared Date properties).
	DateProperties map[int32][]string
}

// Fetch runs the bulk hydration SELECT and returns scanned, date-reparsed
// rows. It never orders or limits the result — every live row for the
// requested (entity, type) pairs is returned, and it is the caller's job
// to attach each row to the right entity/component slot.
func Fetch(ctx context.Context, db Queryer, req Request) ([]Row, error) {
	if len(req.EntityIDs) == 0 || len(req.TypeIDs) == 0 {
		return nil, nil
	}

	table := "components"
	if req.DirectPartitionTable != "" && len(req.TypeIDs) == 1 {
		table = req.DirectPartitionTable
	}

	entityPH := make([]string, len(req.EntityIDs))
	args := make([]any, 0, len(req.EntityIDs)+len(req.TypeIDs))
	n := 1
	for i, id := range req.EntityIDs {
		entityPH[i] = fmt.Sprintf("$%d", n)
		args = append(args, id)
		n++
	}
	typePH := make([]string, len(req.TypeIDs))
	for i, id := range req.TypeIDs {
		typePH[i] = fmt.Sprintf("$%d", n)
		args = append(args, id)
		n++
	}

	sql := fmt.Sprintf(
		"SELECT entity_id, type_id, data, created_at, deleted_at FROM %s WHERE entity_id IN (%s) AND type_id IN (%s) AND deleted_at IS NULL",
		table, strings.Join(entityPH, ", "), strings.Join(typePH, ", "),
	)

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			entityID  uuid.UUID
			typeID    int32
			data      map[string]any
			createdAt pgtype.Timestamptz
			deletedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&entityID, &typeID, &data, &createdAt, &deletedAt); err != nil {
			return nil, err
		}

		reparseDates(data, req.DateProperties[typeID])

		row := Row{EntityID: entityID, TypeID: typeID, Data: data}
		if createdAt.Valid {
			row.CreatedAt = createdAt.Time
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			row.DeletedAt = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// reparseDates replaces each declared date property's stored string value
// (RFC 3339, the form JSON round-trips a time.Time through) with a parsed
// time.Time, in place. Unparseable or missing values are left untouched —
// hydration does not fail a whole row over one bad date field.
func reparseDates(data map[string]any, dateProps []string) {
	for _, prop := range dateProps {
		raw, ok := data[prop]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			data[prop] = t
		}
	}
}

// PartitionTable resolves, for one type-id, the direct partition table to
// read from when direct-partition addressing is enabled and known for
// that type; the empty string falls back to the parent `components` table.
type PartitionTable func(typeID int32) (table string, ok bool)

// FetchConcurrent fans Request out into one Fetch call per requested
// type-id, running them concurrently via errgroup, and flattens the
// results. Splitting by type-id lets each leg address its own direct
// partition table when one is known, instead of a single query against
// the parent table for every type — useful when eager-loading several
// unrelated component types for the same page of entities (spec §4.6
// populate()/eagerLoadComponents()).
func FetchConcurrent(ctx context.Context, db Queryer, entityIDs []uuid.UUID, typeIDs []int32, partitionOf PartitionTable, dateProperties map[int32][]string) ([]Row, error) {
	if len(typeIDs) <= 1 {
		table := ""
		if len(typeIDs) == 1 && partitionOf != nil {
			if t, ok := partitionOf(typeIDs[0]); ok {
				table = t
			}
		}
		return Fetch(ctx, db, Request{
			EntityIDs:            entityIDs,
			TypeIDs:              typeIDs,
			DirectPartitionTable: table,
			DateProperties:       dateProperties,
		})
	}

	results := make([][]Row, len(typeIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, typeID := range typeIDs {
		i, typeID := i, typeID
		g.Go(func() error {
			table := ""
			if partitionOf != nil {
				if t, ok := partitionOf(typeID); ok {
					table = t
				}
			}
			rows, err := Fetch(gctx, db, Request{
				EntityIDs:            entityIDs,
				TypeIDs:              []int32{typeID},
				DirectPartitionTable: table,
				DateProperties:       dateProperties,
			})
			results[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Row
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}
