package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// ValueForStorage converts a decoded upstream value into its replica
// storage form: booleans become 0/1, JSON values are stringified, and
// arrays are JSON-stringified, per spec.md §4.6 step 4. Scalars pass
// through unchanged.
func ValueForStorage(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("replica: marshal array value: %w", err)
		}
		return string(b), nil
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("replica: marshal json value: %w", err)
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// InsertBatch writes rows into table (in the order given) within tx, 50
// rows per INSERT statement with a final partial batch inserted
// row-by-row, per spec.md §4.6 step 4. columns is the full ordered column
// list including "_0_version"; rows[i][j] corresponds to columns[j].
func InsertBatch(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	const batchSize = 50

	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	columnList := strings.Join(quotedCols, ", ")

	i := 0
	for ; i+batchSize <= len(rows); i += batchSize {
		if err := insertRows(ctx, tx, table, columnList, len(columns), rows[i:i+batchSize]); err != nil {
			return err
		}
	}
	for ; i < len(rows); i++ {
		if err := insertRows(ctx, tx, table, columnList, len(columns), rows[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table, columnList string, numCols int, rows [][]any) error {
	var placeholders []string
	var args []any
	for _, row := range rows {
		ph := make([]string, numCols)
		for j := 0; j < numCols; j++ {
			ph[j] = "?"
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args, row...)
	}

	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES %s`, table, columnList, strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("replica: insert into %s: %w", table, err)
	}
	return nil
}
