package mongostore

import (
	"context"

	"fleet-coordinator/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// TaskStore
// ============================================================================

func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	return insertOne(ctx, s.col(ColTasks), task)
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return findOne[model.Task](ctx, s.col(ColTasks), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	f := bson.D{}
	if filter.Status != "" {
		f = append(f, bson.E{Key: "status", Value: string(filter.Status)})
	}
	if filter.AgentID != "" {
		f = append(f, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "agent_id", Value: filter.AgentID}},
			bson.D{{Key: "target_agent_id", Value: filter.AgentID}},
		}})
	}
	if filter.ExecutionID != "" {
		f = append(f, bson.E{Key: "execution_id", Value: filter.ExecutionID})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	return findMany[model.Task](ctx, s.col(ColTasks), f, opts)
}

func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	return findMany[model.Task](ctx, s.col(ColTasks), bson.D{{Key: "status", Value: string(model.TaskStatusPending)}}, opts)
}

func (s *Store) UpdateTaskIfStatus(ctx context.Context, task *model.Task, expected ...model.TaskStatus) error {
	return replaceIf(ctx, s.col(ColTasks), task.ID, statusIn(expected), task)
}

func (s *Store) UpdateTaskIfHeld(ctx context.Context, task *model.Task, agentID string, expected ...model.TaskStatus) error {
	cond := append(statusIn(expected), bson.E{Key: "agent_id", Value: agentID})
	return replaceIf(ctx, s.col(ColTasks), task.ID, cond, task)
}
