package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsDuplicateTable(t *testing.T) {
	t.Parallel()

	dup := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42P07", Message: `relation "stg_geo" already exists`})
	if !isDuplicateTable(dup) {
		t.Fatalf("expected 42P07 to be recognised")
	}
	if isDuplicateTable(&pgconn.PgError{Code: "42501"}) {
		t.Fatalf("insufficient_privilege is not a duplicate table")
	}
	if isDuplicateTable(errors.New("relation already exists")) {
		t.Fatalf("plain errors must not be matched by message")
	}
}
