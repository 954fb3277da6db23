package mongostore

import (
	"context"
	"os"
	"testing"

	"fleet-coordinator/internal/shared/storage"
	"fleet-coordinator/internal/shared/storage/storagetest"
)

// testStore 创建测试用 Store，使用独立数据库避免污染；MongoDB 不可用时跳过
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	s, err := NewStore(uri, "fleet_coordinator_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	if err := s.db.Drop(ctx); err != nil {
		t.Fatalf("Failed to drop test database: %v", err)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestMongoStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.PersistentStore { return testStore(t) })
}
