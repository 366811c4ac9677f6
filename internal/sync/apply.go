package sync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"sqlite-sync-service/internal/database"
)

// rowValues scans the current row into a []any suitable for re-binding
// as statement parameters.
func rowValues(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// fetchRow reads one row from db by key column. found is false when the
// row does not exist.
func fetchRow(ctx context.Context, db *sql.DB, table, keyCol, key string) (cols []string, vals []any, found bool, err error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`,
		database.QuoteIdent(table), database.QuoteIdent(keyCol))
	rows, err := db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil, false, rows.Err()
	}
	cols, err = rows.Columns()
	if err != nil {
		return nil, nil, false, err
	}
	vals, err = rowValues(rows, len(cols))
	if err != nil {
		return nil, nil, false, err
	}
	return cols, vals, true, rows.Err()
}

// upsertRow writes a full row image. INSERT OR REPLACE keys on the
// primary key, making replay idempotent: applying the same batch twice
// converges to the same state.
func upsertRow(ctx context.Context, tx *sql.Tx, table string, cols []string, vals []any) error {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = database.QuoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		database.QuoteIdent(table), strings.Join(quoted, ","), placeholders)
	_, err := tx.ExecContext(ctx, query, vals...)
	return err
}

func deleteRow(ctx context.Context, tx *sql.Tx, table, keyCol, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`,
		database.QuoteIdent(table), database.QuoteIdent(keyCol))
	_, err := tx.ExecContext(ctx, query, key)
	return err
}

// rowHash produces a content fingerprint of a row. Values are
// length-prefixed and type-tagged so distinct rows cannot collide by
// concatenation.
func rowHash(vals []any) string {
	h := sha256.New()
	for _, v := range vals {
		switch x := v.(type) {
		case nil:
			io.WriteString(h, "\x00N")
		case []byte:
			fmt.Fprintf(h, "\x00B%d:", len(x))
			h.Write(x)
		case string:
			fmt.Fprintf(h, "\x00S%d:%s", len(x), x)
		case time.Time:
			fmt.Fprintf(h, "\x00T%s", x.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(h, "\x00V%v", x)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// keyText renders a scanned key value the way capture triggers do
// (CAST ... AS TEXT), so map keys line up across sources.
func keyText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
