package infra

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantMarker string
		wantErr    bool
	}{
		{
			name:       "valid marker",
			query:      "--sql 0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10\nselect 1;",
			wantMarker: "0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10",
		},
		{
			name:       "leading whitespace",
			query:      "\n  --sql 0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10\nselect 1;",
			wantMarker: "0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10",
		},
		{name: "missing marker", query: "select 1;", wantErr: true},
		{name: "uppercase uuid", query: "--sql 0B1E9F3A-5C62-4F11-9A53-0F3C7D2A9E10\nselect 1;", wantErr: true},
		{name: "empty", query: "  ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := ExtractMarker(tc.query)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if marker != tc.wantMarker {
				t.Fatalf("marker = %q, want %q", marker, tc.wantMarker)
			}
			if strings.Contains(body, "--sql") {
				t.Fatalf("body still contains marker: %q", body)
			}
		})
	}
}

type recordingExecutor struct {
	lastQuery string
}

func (r *recordingExecutor) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	r.lastQuery = query
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (r *recordingExecutor) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	r.lastQuery = query
	return errorRow{err: pgx.ErrNoRows}
}

func (r *recordingExecutor) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	r.lastQuery = query
	return nil, errors.New("not supported")
}

func TestSQLRunnerStripsMarkerBeforeExecuting(t *testing.T) {
	db := &recordingExecutor{}
	runner := NewSQLRunner(db, zerolog.Nop())

	tag, err := runner.Exec(context.Background(), "--sql 0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10\nupdate jobs set status = 'failed';")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if tag.RowsAffected() != 1 {
		t.Fatalf("rows affected = %d, want 1", tag.RowsAffected())
	}
	if strings.Contains(db.lastQuery, "--sql") {
		t.Fatalf("marker forwarded to database: %q", db.lastQuery)
	}

	if _, err := runner.Exec(context.Background(), "update jobs set status = 'failed';"); err == nil {
		t.Fatalf("expected unmarked query to be rejected")
	}
	if err := runner.QueryRow(context.Background(), "select 1;").Scan(); err == nil {
		t.Fatalf("expected unmarked query_row to be rejected")
	}
	err = runner.QueryRow(context.Background(), "--sql 0b1e9f3a-5c62-4f11-9a53-0f3c7d2a9e10\nselect 1;").Scan()
	if !IsNoRows(err) {
		t.Fatalf("expected no rows to propagate, got %v", err)
	}
}
