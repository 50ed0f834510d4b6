package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "precipitation_records")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns, empty = DO NOTHING
}

// BulkUpsert performs a set-based upsert. q must be an open transaction
// because the temp table is created ON COMMIT DROP:
//  1. CREATE TEMP TABLE shaped like the target (dropped on commit)
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE
//  4. DROP the temp table so the same tx can upsert again
//
// Rows must not repeat a conflict key; Postgres rejects touching a row twice
// in one INSERT ... ON CONFLICT statement.
func BulkUpsert(ctx context.Context, q Querier, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tempTable := "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	tempIdent := pgx.Identifier{tempTable}.Sanitize()

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		tempIdent, sanitizeTable(cfg.Table),
	)
	if _, err := q.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := CopyFrom(ctx, q, tempTable, cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := q.Exec(ctx, upsertSQL(cfg, tempIdent))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if _, err := q.Exec(ctx, "DROP TABLE "+tempIdent); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: drop temp table for %s", cfg.Table)
	}

	return tag.RowsAffected(), nil
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (cfg UpsertConfig) updateColumns() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	conflict := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflict[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !conflict[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func upsertSQL(cfg UpsertConfig, source string) string {
	colList := quoteAndJoin(cfg.Columns)

	action := "DO NOTHING"
	if cols := cfg.updateColumns(); len(cols) > 0 {
		sets := make([]string, len(cols))
		for i, col := range cols {
			c := pgx.Identifier{col}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table), colList, colList, source,
		quoteAndJoin(cfg.ConflictKeys), action,
	)
}

// sanitizeTable handles schema-qualified table names like "public.cities".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
