package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jhradil/pifleet/controller"
)

const createJournalTable = `
CREATE TABLE IF NOT EXISTS pifleet_journal (
	id          UUID PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	controller  TEXT NOT NULL,
	op          TEXT NOT NULL,
	state       JSONB NOT NULL
)`

// Postgres stores the journal durably via a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and creates the journal table if missing.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createJournalTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: creating table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	state, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("journal: marshaling state: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO pifleet_journal (id, recorded_at, controller, op, state)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Time, e.Controller, e.Op, state)
	return err
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, recorded_at, controller, op, state
		 FROM pifleet_journal ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var state []byte
		if err := rows.Scan(&e.ID, &e.Time, &e.Controller, &e.Op, &state); err != nil {
			return nil, err
		}
		e.State = controller.State{}
		if err := json.Unmarshal(state, &e.State); err != nil {
			return nil, fmt.Errorf("journal: corrupt state: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
