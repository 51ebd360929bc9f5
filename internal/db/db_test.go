package db_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/n-kumar7/sqlagent/internal/db"
)

func TestOpen_RejectsMalformedDSN(t *testing.T) {
	_, err := db.Open(context.Background(), db.Options{DSN: "postgres://%zz"})
	if err == nil || !strings.Contains(err.Error(), "parse dsn") {
		t.Fatalf("expected parse error, got %v", err)
	}
	if errors.Is(err, db.ErrUnreachable) {
		t.Fatalf("parse failure must not be reported as unreachable")
	}
}

func TestOpen_UnreachableIsFatalKind(t *testing.T) {
	// Port 1 on loopback refuses immediately on any sane host.
	_, err := db.Open(context.Background(), db.Options{
		DSN:            "postgres://loadgen:pw@127.0.0.1:1/shop?sslmode=disable",
		ConnectTimeout: 2 * time.Second,
		MaxConns:       2,
	})
	if !errors.Is(err, db.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
