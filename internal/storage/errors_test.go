package storage

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{ code string }

func (e codedErr) Error() string     { return "coded " + e.code }
func (e codedErr) ErrorCode() string { return e.code }

type stateErr struct{}

func (stateErr) Error() string    { return "state" }
func (stateErr) SQLState() string { return "23505" }

type mssqlErr struct{}

func (mssqlErr) Error() string        { return "mssql" }
func (mssqlErr) SQLErrorNumber() int32 { return 2627 }

type sqliteErr struct{}

func (sqliteErr) Error() string { return "sqlite" }
func (sqliteErr) Code() int     { return 19 }

func TestErrorState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"precondition code wins", fmt.Errorf("wrap: %w", codedErr{"DATE_KEY_MISSING"}), "DATE_KEY_MISSING"},
		{"sqlstate", fmt.Errorf("insert: %w", stateErr{}), "23505"},
		{"mssql number", mssqlErr{}, "MSSQL_2627"},
		{"sqlite code", sqliteErr{}, "SQLITE_19"},
		{"plain", errors.New("boom"), DefaultErrorState},
	}
	for _, tt := range tests {
		if got := ErrorState(tt.err); got != tt.want {
			t.Fatalf("%s: ErrorState=%q want %q", tt.name, got, tt.want)
		}
	}
}
