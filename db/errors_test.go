package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"canceled", context.Canceled, ErrorClassFatal},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrorClassFatal},
		{"fk violation", &pgconn.PgError{Code: "23503"}, ErrorClassFatal},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, ErrorClassFatal},
		{"bad cast", &pgconn.PgError{Code: "22P02"}, ErrorClassFatal},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrorClassRetryable},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrorClassRetryable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, ErrorClassRetryable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, ErrorClassRetryable},
		{"server starting", &pgconn.PgError{Code: "57P03"}, ErrorClassRetryable},
		{"wrapped pg error", fmt.Errorf("insert session: %w", &pgconn.PgError{Code: "23505"}), ErrorClassFatal},
		{"refused string", errors.New("dial tcp 127.0.0.1:5432: connection refused"), ErrorClassRetryable},
		{"reset string", errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{"unknown defaults retryable", errors.New("something odd happened"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStoreError(tt.err); got != tt.want {
				t.Errorf("ClassifyStoreError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 is not a unique violation")
	}
	if IsUniqueViolation(errors.New("duplicate key value")) {
		t.Error("plain error without SQLSTATE should not match")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil should not match")
	}
}

func TestErrorClassString(t *testing.T) {
	if ErrorClassRetryable.String() != "retryable" {
		t.Errorf("retryable class string = %s", ErrorClassRetryable.String())
	}
	if ErrorClassFatal.String() != "fatal" {
		t.Errorf("fatal class string = %s", ErrorClassFatal.String())
	}
	if ErrorClassUnknown.String() != "unknown" {
		t.Errorf("unknown class string = %s", ErrorClassUnknown.String())
	}
}
