package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over database/sql. Queries are built with goqu
// so the same code serves the sqlite3 and mysql drivers.
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	driver  string
}

// OpenSQL opens a store for the given driver name ("sqlite3" or "mysql").
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Second)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLStore{
		db:      db,
		dialect: goqu.Dialect(driver),
		driver:  driver,
	}, nil
}

func (s *SQLStore) Query(ctx context.Context, table string, opts QueryOptions) ([]Record, error) {
	ds := s.dialect.From(table)

	for col, val := range opts.Filters {
		ds = ds.Where(goqu.C(col).Eq(val))
	}
	if !opts.CreatedAfter.IsZero() {
		ds = ds.Where(goqu.C("created_at").Gt(opts.CreatedAfter.UTC().Format("2006-01-02 15:04:05.999999999")))
	}
	if opts.OrderBy != "" {
		if opts.Descending {
			ds = ds.Order(goqu.C(opts.OrderBy).Desc())
		} else {
			ds = ds.Order(goqu.C(opts.OrderBy).Asc())
		}
	}
	if opts.Limit > 0 {
		ds = ds.Limit(uint(opts.Limit))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query for %s: %w", table, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed for %s: %w", table, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows for %s: %w", table, err)
	}
	return records, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, table string) (int64, error) {
	query, args, err := s.dialect.From(table).Select(goqu.COUNT(goqu.Star())).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count for %s: %w", table, err)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed for %s: %w", table, err)
	}
	return count, nil
}

func (s *SQLStore) Insert(ctx context.Context, table string, record Record) error {
	query, args, err := s.dialect.Insert(table).Rows(goqu.Record(record)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build insert for %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert failed for %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, table string, id any, fields map[string]any) error {
	query, args, err := s.dialect.Update(table).
		Set(goqu.Record(fields)).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build update for %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failed for %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, table string, id any) error {
	query, args, err := s.dialect.Delete(table).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete for %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete failed for %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	log.Debug().Str("driver", s.driver).Msg("Closing SQL store")
	return s.db.Close()
}

// scanRecords converts sql.Rows into Records without knowing the schema.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		record := make(Record, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				record[col] = string(v)
			default:
				record[col] = v
			}
		}
		records = append(records, record)
	}
	return records, nil
}
