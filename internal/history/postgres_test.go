package history

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecutor struct {
	execs []execCall
	rows  *fakeRows
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeExecutor) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.rows, nil
}

// fakeRows implements the parts of pgx.Rows the store touches.
type fakeRows struct {
	pgx.Rows
	data   [][]any
	i      int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	*dest[0].(*uuid.UUID) = row[0].(uuid.UUID)
	*dest[1].(*time.Time) = row[1].(time.Time)
	*dest[2].(*string) = row[2].(string)
	*dest[3].(*string) = row[3].(string)
	*dest[4].(*[]byte) = row[4].([]byte)
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     { r.closed = true }

func TestPostgresStoreSaveEncodesConversation(t *testing.T) {
	exec := &fakeExecutor{}
	s := &PostgresStore{db: exec}
	rec := NewRecord("English", "Italian", conversation("Ciao"))
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(exec.execs) != 1 || !strings.Contains(exec.execs[0].sql, "INSERT INTO tutor_sessions") {
		t.Fatalf("unexpected exec calls: %+v", exec.execs)
	}
	args := exec.execs[0].args
	if args[0] != rec.ID || args[2] != "English" || args[3] != "Italian" {
		t.Fatalf("unexpected args: %v", args)
	}
	var entries []map[string]string
	if err := json.Unmarshal(args[4].([]byte), &entries); err != nil {
		t.Fatalf("conversation json: %v", err)
	}
	if entries[0]["speaker"] != "user" || entries[0]["text"] != "Ciao" {
		t.Fatalf("conversation encoding: %v", entries)
	}
}

func TestPostgresStoreListScansRows(t *testing.T) {
	id := uuid.New()
	when := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conv, _ := json.Marshal(conversation("Hola"))
	rows := &fakeRows{data: [][]any{{id, when, "English", "Spanish", conv}}}
	exec := &fakeExecutor{rows: rows}
	s := &PostgresStore{db: exec}

	got, err := s.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || !got[0].Date.Equal(when) || got[0].Conversation[0].Text != "Hola" {
		t.Fatalf("unexpected records: %+v", got)
	}
	if exec.execs[0].args[0] != DefaultListLimit {
		t.Fatalf("limit: want=%d got=%v", DefaultListLimit, exec.execs[0].args[0])
	}
	if !rows.closed {
		t.Fatalf("rows not closed")
	}
}
