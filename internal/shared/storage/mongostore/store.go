// Package mongostore 实现基于 MongoDB 的 PersistentStore
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 条件写入通过带前置条件的 filter 保证原子性。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"fleet-coordinator/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColAgents     = "agents"
	ColTasks      = "tasks"
	ColScenarios  = "scenarios"
	ColExecutions = "executions"
)

// Store MongoDB 存储
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "fleet"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		log.Printf("WARNING: mongostore: ensure indexes failed: %v", err)
	}
	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建调度与恢复查询需要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		col  string
		keys bson.D
	}{
		{ColAgents, bson.D{{Key: "status", Value: 1}}},
		{ColTasks, bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}},
		{ColTasks, bson.D{{Key: "execution_id", Value: 1}}},
		{ColTasks, bson.D{{Key: "agent_id", Value: 1}}},
		{ColExecutions, bson.D{{Key: "status", Value: 1}}},
	}
	for _, idx := range indexes {
		if _, err := s.col(idx.col).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys}); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.col, err)
		}
	}
	return nil
}
