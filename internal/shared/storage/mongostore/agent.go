package mongostore

import (
	"context"
	"time"

	"fleet-coordinator/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// AgentStore
// ============================================================================

// noTask 聚合表达式：current_task_id 为空或缺失
var noTask = bson.D{{Key: "$eq", Value: bson.A{
	bson.D{{Key: "$ifNull", Value: bson.A{"$current_task_id", nil}}},
	nil,
}}}

// literal 防止流水线更新把以 $ 开头的值（如 bcrypt 哈希）解析为字段路径
func literal(v interface{}) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	return insertOne(ctx, s.col(ColAgents), agent)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return findOne[model.Agent](ctx, s.col(ColAgents), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findMany[model.Agent](ctx, s.col(ColAgents), bson.D{}, opts)
}

func (s *Store) UpdateAgentRegistration(ctx context.Context, agent *model.Agent) error {
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "credential_hash", Value: literal(agent.CredentialHash)},
		{Key: "metadata", Value: literal(agent.Metadata)},
		{Key: "last_active_at", Value: agent.LastActiveAt},
		{Key: "updated_at", Value: agent.UpdatedAt},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{noTask, string(model.AgentStatusOnline), "$status"}}}},
	}}}}
	return conditionalUpdate(ctx, s.col(ColAgents), agent.ID, nil, update)
}

func (s *Store) RecordHeartbeat(ctx context.Context, id string, reported model.AgentStatus, at time.Time) error {
	set := bson.D{
		{Key: "last_active_at", Value: at},
		{Key: "updated_at", Value: at},
	}
	if reported != "" {
		set = append(set, bson.E{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{noTask, string(reported), "$status"}}}})
	}
	return conditionalUpdate(ctx, s.col(ColAgents), id, nil, mongo.Pipeline{{{Key: "$set", Value: set}}})
}

func (s *Store) MarkAgentOffline(ctx context.Context, id string, cutoff, at time.Time) error {
	cond := bson.D{{Key: "last_active_at", Value: bson.D{{Key: "$lt", Value: cutoff}}}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(model.AgentStatusOffline)},
		{Key: "updated_at", Value: at},
	}}}
	return conditionalUpdate(ctx, s.col(ColAgents), id, cond, update)
}

func (s *Store) ClaimAgent(ctx context.Context, id, taskID string, at time.Time) error {
	cond := bson.D{
		{Key: "status", Value: string(model.AgentStatusOnline)},
		{Key: "current_task_id", Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "current_task_id", Value: taskID},
		{Key: "status", Value: string(model.AgentStatusBusy)},
		{Key: "updated_at", Value: at},
	}}}
	return conditionalUpdate(ctx, s.col(ColAgents), id, cond, update)
}

func (s *Store) ReleaseAgent(ctx context.Context, id, taskID string, at time.Time) error {
	cond := bson.D{{Key: "current_task_id", Value: taskID}}
	busy := bson.D{{Key: "$eq", Value: bson.A{"$status", string(model.AgentStatusBusy)}}}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "current_task_id", Value: nil},
		{Key: "updated_at", Value: at},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{busy, string(model.AgentStatusOnline), "$status"}}}},
	}}}}
	return conditionalUpdate(ctx, s.col(ColAgents), id, cond, update)
}
