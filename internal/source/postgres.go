package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medwatch/internal/medicine"
	logx "medwatch/pkg/logx"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Postgres reads medicines from a table with columns
// id, name, status, end_date (date, nullable).
type Postgres struct {
	db    *sql.DB
	query string
	log   logx.Logger
}

func OpenPostgres(ctx context.Context, dsn, table string, log logx.Logger) (*Postgres, error) {
	q, err := snapshotQuery(table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{db: db, query: q, log: log.With(logx.Component("source.postgres"))}, nil
}

func snapshotQuery(table string) (string, error) {
	if table == "" {
		table = "medicines"
	}
	if !tableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return "SELECT id, name, status, end_date FROM " + table + " ORDER BY name, id", nil
}

func (p *Postgres) Snapshot(ctx context.Context) ([]medicine.Medicine, error) {
	rows, err := p.db.QueryContext(ctx, p.query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []medicine.Medicine
	for rows.Next() {
		var (
			m      medicine.Medicine
			status string
			end    sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Name, &status, &end); err != nil {
			return nil, err
		}
		m.Status = medicine.ParseStatus(status)
		if end.Valid {
			d := medicine.DateOf(end.Time)
			m.EndDate = &d
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }
