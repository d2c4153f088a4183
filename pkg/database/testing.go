package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

// NewTestClient opens a fresh in-memory database with all migrations applied.
// Each call gets its own database so parallel tests never share state.
func NewTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := Config{
		Path:        fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
		BusyTimeout: time.Second,
	}

	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}
