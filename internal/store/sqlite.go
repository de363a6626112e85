package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobsman/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, command, second, minute, hour, day, month, day_of_week,
	timeout_sec, coalesce, max_instances, misfire_grace_sec`

func (s *sqliteStore) List(ctx context.Context) ([]JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []JobDefinition
	for rows.Next() {
		d, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", ErrUnavailable, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (JobDefinition, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	d, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, false, nil
	}
	if err != nil {
		return JobDefinition{}, false, fmt.Errorf("%w: get job %s: %v", ErrUnavailable, id, err)
	}
	return d, true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, d JobDefinition) error {
	var coalesce any
	if d.Coalesce != nil {
		if *d.Coalesce {
			coalesce = 1
		} else {
			coalesce = 0
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, command, second, minute, hour, day, month, day_of_week,
		                  timeout_sec, coalesce, max_instances, misfire_grace_sec, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   command=excluded.command, second=excluded.second, minute=excluded.minute,
		   hour=excluded.hour, day=excluded.day, month=excluded.month,
		   day_of_week=excluded.day_of_week, timeout_sec=excluded.timeout_sec,
		   coalesce=excluded.coalesce, max_instances=excluded.max_instances,
		   misfire_grace_sec=excluded.misfire_grace_sec, updated_at=excluded.updated_at`,
		d.ID, d.Command,
		orStar(d.Second), orStar(d.Minute), orStar(d.Hour),
		orStar(d.Day), orStar(d.Month), orStar(d.DayOfWeek),
		d.Timeout, coalesce, d.MaxInstances, d.MisfireGrace,
		time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) PendingUpdateExists(ctx context.Context) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM update_info WHERE updated = 0 ORDER BY insert_time LIMIT 1`)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: pending updates: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *sqliteStore) NoteUpdate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO update_info(updated, insert_time) VALUES(0, ?)`,
		time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) MarkUpdatesProcessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE update_info SET updated = 1 WHERE updated = 0`)
	if err != nil {
		return 0, fmt.Errorf("%w: mark updates: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobDefinition, error) {
	var d JobDefinition
	var coalesce sql.NullInt64
	err := r.Scan(&d.ID, &d.Command,
		&d.Second, &d.Minute, &d.Hour, &d.Day, &d.Month, &d.DayOfWeek,
		&d.Timeout, &coalesce, &d.MaxInstances, &d.MisfireGrace)
	if err != nil {
		return JobDefinition{}, err
	}
	if coalesce.Valid {
		v := coalesce.Int64 != 0
		d.Coalesce = &v
	}
	return d, nil
}

func orStar(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "*"
	}
	return s
}
