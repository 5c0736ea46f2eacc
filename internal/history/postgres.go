package history

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tutor-voice-lab/internal/logging"
	"github.com/tutor-voice-lab/internal/transcript"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertSessionSQL = `INSERT INTO tutor_sessions (
        id,
        created_at,
        native_language,
        target_language,
        conversation
) VALUES ($1, $2, $3, $4, $5)`
	listSessionsSQL  = `SELECT id, created_at, native_language, target_language, conversation FROM tutor_sessions ORDER BY created_at DESC LIMIT $1`
	clearSessionsSQL = `DELETE FROM tutor_sessions`
)

// executor is the subset of *pgxpool.Pool the store uses.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore saves records in the tutor_sessions table.
type PostgresStore struct {
	db    executor
	close func()
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("history: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	for _, r := range results {
		logging.Infow("history: migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	conv, err := json.Marshal(rec.Conversation)
	if err != nil {
		return fmt.Errorf("history: encode conversation: %w", err)
	}
	_, err = s.db.Exec(ctx, insertSessionSQL, rec.ID, rec.Date, rec.NativeLanguage, rec.TargetLanguage, conv)
	if err != nil {
		return fmt.Errorf("history: insert session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(ctx, listSessionsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	recs := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		id      uuid.UUID
		created time.Time
		native  string
		target  string
		conv    []byte
	)
	if err := row.Scan(&id, &created, &native, &target, &conv); err != nil {
		return Record{}, fmt.Errorf("history: scan session: %w", err)
	}
	var entries []transcript.Entry
	if err := json.Unmarshal(conv, &entries); err != nil {
		return Record{}, fmt.Errorf("history: decode conversation of %s: %w", id, err)
	}
	return Record{ID: id, Date: created, NativeLanguage: native, TargetLanguage: target, Conversation: entries}, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, clearSessionsSQL); err != nil {
		return fmt.Errorf("history: clear sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
