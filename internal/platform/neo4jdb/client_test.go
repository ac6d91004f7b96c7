package neo4jdb

import (
	"context"
	"testing"

	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

func TestNewWithoutURIIsDisabled(t *testing.T) {
	c, err := New(context.Background(), logger.NewNop(), Config{URI: "  "})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c != nil {
		t.Fatalf("blank URI returned a client")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}

	if _, err := New(context.Background(), nil, Config{URI: "bolt://localhost:7687"}); err == nil {
		t.Fatalf("New without logger: expected error")
	}
}
