package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError_PG_UniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint \"idx_users_email\"",
		ConstraintName: "idx_users_email",
		Detail:         "Key (email)=(dup@test.com) already exists.",
	}
	wrapped := fmt.Errorf("exec: %w", pgErr)

	mapped := MapError(dialect, wrapped)

	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}

	// Original pgconn.PgError should still be extractable
	var extracted *pgconn.PgError
	if !errors.As(mapped, &extracted) {
		t.Fatal("expected pgconn.PgError to still be extractable via errors.As")
	}
	if extracted.ConstraintName != "idx_users_email" {
		t.Fatalf("expected constraint name 'idx_users_email', got: %s", extracted.ConstraintName)
	}
}

func TestMapError_PG_ForeignKeyAndNotNull(t *testing.T) {
	dialect := &PostgresDialect{}
	if err := MapError(dialect, &pgconn.PgError{Code: "23503"}); !errors.Is(err, ErrForeignKeyViolation) {
		t.Fatalf("expected ErrForeignKeyViolation, got: %v", err)
	}
	if err := MapError(dialect, &pgconn.PgError{Code: "23502"}); !errors.Is(err, ErrNotNullViolation) {
		t.Fatalf("expected ErrNotNullViolation, got: %v", err)
	}
}

func TestMapError_PG_OtherError(t *testing.T) {
	dialect := &PostgresDialect{}
	err := fmt.Errorf("some other error")
	mapped := MapError(dialect, err)
	if mapped != err {
		t.Fatalf("expected same error back, got: %v", mapped)
	}
}

func TestMapError_PG_Nil(t *testing.T) {
	dialect := &PostgresDialect{}
	mapped := MapError(dialect, nil)
	if mapped != nil {
		t.Fatalf("expected nil, got: %v", mapped)
	}
}

func TestMapError_SQLite(t *testing.T) {
	dialect := &SQLiteDialect{}
	cases := map[string]error{
		"constraint failed: UNIQUE constraint failed: posts.slug (2067)": ErrUniqueViolation,
		"FOREIGN KEY constraint failed (787)":                            ErrForeignKeyViolation,
		"NOT NULL constraint failed: posts.title (1299)":                 ErrNotNullViolation,
	}
	for msg, want := range cases {
		if got := MapError(dialect, errors.New(msg)); !errors.Is(got, want) {
			t.Errorf("%q: expected %v, got %v", msg, want, got)
		}
	}
}

func TestLimitOffset(t *testing.T) {
	sqlite := &SQLiteDialect{}
	pg := &PostgresDialect{}

	if got := sqlite.LimitOffset(0, 20); got != "LIMIT -1 OFFSET 20" {
		t.Fatalf("sqlite offset only: %q", got)
	}
	if got := pg.LimitOffset(0, 20); got != "OFFSET 20" {
		t.Fatalf("pg offset only: %q", got)
	}
	if got := pg.LimitOffset(10, 0); got != "LIMIT 10" {
		t.Fatalf("pg limit only: %q", got)
	}
	if got := sqlite.LimitOffset(0, 0); got != "" {
		t.Fatalf("expected empty clause, got %q", got)
	}
}

func TestInExpr(t *testing.T) {
	pb := (&SQLiteDialect{}).NewParamBuilder()
	pb.Add("x")
	got := InExpr("t.id", pb, []any{1, 2})
	if got != "t.id IN (?2, ?3)" {
		t.Fatalf("unexpected IN expr: %s", got)
	}
	if len(pb.Params()) != 3 {
		t.Fatalf("expected 3 params, got %d", len(pb.Params()))
	}
	if InExpr("t.id", pb, nil) != "1=0" {
		t.Fatal("empty IN must match nothing")
	}
	if NotInExpr("t.id", pb, nil) != "1=1" {
		t.Fatal("empty NOT IN must match everything")
	}
}

func TestTimeValue_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 30, 0, 5000, time.FixedZone("x", 3600))
	v := (&SQLiteDialect{}).TimeValue(ts)
	s, ok := v.(string)
	if !ok {
		t.Fatalf("expected string, got %T", v)
	}
	if s != "2024-03-01T09:30:00.000005000Z" {
		t.Fatalf("unexpected layout: %s", s)
	}
	back, err := ParseTime(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(ts) {
		t.Fatalf("round trip mismatch: %v vs %v", back, ts)
	}
}
