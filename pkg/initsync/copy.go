package initsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/edgeflare/pgreplicate/pkg/metrics"
	"github.com/edgeflare/pgreplicate/pkg/replica"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

// copyAllTables runs cfg.Workers connections, each pinned to snapshotName,
// cooperating on a shared queue of tables to copy - per spec.md §4.6
// step 3. A worker's own table copy overlaps reading the next batch from
// the upstream cursor with inserting the previous one (see copyTable).
func copyAllTables(ctx context.Context, connConfig *pgx.ConnConfig, snapshotName string, store *replica.Store, tables []schema.PublishedTableSpec, version watermark.LexiVersion, cfg Config) error {
	tableCh := make(chan schema.PublishedTableSpec)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			conn, tx, err := openSnapshotTx(gctx, connConfig, snapshotName)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			defer conn.Close(context.Background())
			defer tx.Rollback(context.Background())

			for {
				select {
				case t, ok := <-tableCh:
					if !ok {
						return nil
					}
					if err := copyTable(gctx, tx, store, t, version, cfg.CursorBatchSize, cfg.ID.Prefix()); err != nil {
						return fmt.Errorf("copy table %s: %w", t.QualifiedName(), err)
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	g.Go(func() error {
		defer close(tableCh)
		for _, t := range tables {
			if err := store.CreateTable(gctx, schema.MapPostgresToLite(t.TableSpec)); err != nil {
				return fmt.Errorf("create replica table %s: %w", t.QualifiedName(), err)
			}
			select {
			case tableCh <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// copyTable streams t's rows out of tx's snapshot and into store, batching
// cursorBatchSize rows per fetch cycle and replica.InsertBatch's 50 rows
// per INSERT. A producer goroutine converts rows as they arrive off the
// wire; a consumer goroutine drains converted batches into store on
// store's single writer connection, so the two overlap rather than
// running fetch-then-insert in lockstep, per spec.md §4.6 step 4.
func copyTable(ctx context.Context, tx pgx.Tx, store *replica.Store, t schema.PublishedTableSpec, version watermark.LexiVersion, cursorBatchSize int, shardLabel string) error {
	lite := schema.MapPostgresToLite(t.TableSpec)
	columns := append(append([]string{}, t.Columns.Names()...), schema.VersionColumnName)

	query := buildSelectQuery(t)
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	batches := make(chan [][]any, 1)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(batches)
		produceBatches(ctx, rows, version, cursorBatchSize, batches, errCh)
	}()

	go func() {
		defer wg.Done()
		consumeBatches(ctx, store.DB(), lite.QualifiedName(), columns, batches, errCh, shardLabel)
	}()

	wg.Wait()
	close(errCh)
	for e := range errCh {
		if e != nil {
			return e
		}
	}
	return rows.Err()
}

func produceBatches(ctx context.Context, rows pgx.Rows, version watermark.LexiVersion, cursorBatchSize int, batches chan<- [][]any, errCh chan<- error) {
	var current [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			errCh <- fmt.Errorf("read row: %w", err)
			return
		}

		row := make([]any, 0, len(vals)+1)
		for _, v := range vals {
			sv, err := replica.ValueForStorage(v)
			if err != nil {
				errCh <- err
				return
			}
			row = append(row, sv)
		}
		row = append(row, string(version))
		current = append(current, row)

		if len(current) >= cursorBatchSize {
			if !send(ctx, batches, current, errCh) {
				return
			}
			current = nil
		}
	}
	if err := rows.Err(); err != nil {
		errCh <- fmt.Errorf("cursor: %w", err)
		return
	}
	if len(current) > 0 {
		send(ctx, batches, current, errCh)
	}
}

func send(ctx context.Context, batches chan<- [][]any, b [][]any, errCh chan<- error) bool {
	select {
	case batches <- b:
		return true
	case <-ctx.Done():
		errCh <- ctx.Err()
		return false
	}
}

func consumeBatches(ctx context.Context, db *sql.DB, table string, columns []string, batches <-chan [][]any, errCh chan<- error, shardLabel string) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		errCh <- fmt.Errorf("begin replica tx: %w", err)
		return
	}
	defer tx.Rollback()

	counter := metrics.InitialSyncRowsCopied.WithLabelValues(shardLabel, table)
	for b := range batches {
		if err := replica.InsertBatch(ctx, tx, table, columns, b); err != nil {
			errCh <- err
			return
		}
		counter.Add(float64(len(b)))
	}
	if err := tx.Commit(); err != nil {
		errCh <- fmt.Errorf("commit replica tx: %w", err)
	}
}

// buildSelectQuery selects every column of t, in declaration order, from
// its qualified name. A row is included if any publication exporting the
// table has no filter, or if it matches at least one publication's
// filter - the same OR semantics Postgres itself applies when a table
// reaches a subscriber through more than one publication.
func buildSelectQuery(t schema.PublishedTableSpec) string {
	quotedCols := make([]string, 0, t.Columns.Len())
	for _, name := range t.Columns.Names() {
		quotedCols = append(quotedCols, fmt.Sprintf("%q", name))
	}

	qualified := fmt.Sprintf("%q.%q", t.Schema, t.Name)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quotedCols, ", "), qualified)

	var filters []string
	for _, pub := range t.Publications {
		if pub.RowFilter == "" {
			return query
		}
		filters = append(filters, "("+pub.RowFilter+")")
	}
	if len(filters) == 0 {
		return query
	}
	return query + " WHERE " + strings.Join(filters, " OR ")
}
