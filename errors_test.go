package urpm

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"testing"
)

func ExampleError() {
	fmt.Println(&Error{
		Inner:   nil,
		Kind:    ErrIndex,
		Message: "test",
		Op:      "ExampleError",
	})

	fmt.Println(&Error{
		Inner:   sql.ErrNoRows,
		Kind:    ErrResolution,
		Message: "needed object missing",
		Op:      "Lookup",
	})
	err := &Error{
		Inner: &Error{
			Inner:   sql.ErrNoRows,
			Kind:    ErrResolution,
			Message: "needed object missing",
			Op:      "Lookup",
		},
		Kind: ErrNetwork,
	}
	fmt.Println(err)
	fmt.Println(fmt.Errorf("urpm: oops: %w", &Error{
		Inner:   sql.ErrNoRows,
		Kind:    ErrResolution,
		Message: "needed object missing",
		Op:      "Lookup",
	}))

	// Output:
	// ExampleError [index]: test
	// Lookup [resolution]: needed object missing: sql: no rows in result set
	// Lookup [resolution]: needed object missing: sql: no rows in result set
	// urpm: oops: Lookup [resolution]: needed object missing: sql: no rows in result set
}

type kindTestcase struct {
	Err       error
	Retriable bool
}

func (tc kindTestcase) Run(t *testing.T) {
	t.Log(tc.Err)
	if got, want := errors.Is(tc.Err, ErrRetriable), tc.Retriable; got != want {
		t.Errorf("%v: got: %v, want: %v", ErrRetriable, got, want)
	}
}

func TestErrorKind(t *testing.T) {
	tt := []kindTestcase{
		// 0: network errors are retriable
		{
			Err: &Error{
				Inner: errors.New("connection reset"),
				Kind:  ErrNetwork,
			},
			Retriable: true,
		},
		// 1: integrity errors are not retriable
		{
			Err: &Error{
				Inner: errors.New("sha256 mismatch"),
				Kind:  ErrIntegrity,
			},
			Retriable: false,
		},
		// 2: a wrapped network error is still retriable
		{
			Err: &Error{
				Kind: ErrTransaction,
				Inner: &Error{
					Inner: errors.New("timeout"),
					Kind:  ErrNetwork,
				},
			},
			Retriable: true,
		},
	}

	for i, tc := range tt {
		t.Run(strconv.Itoa(i), tc.Run)
	}
}
