package mongostore

import (
	"context"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// ScenarioStore / ExecutionStore
// ============================================================================

func (s *Store) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	return insertOne(ctx, s.col(ColScenarios), sc)
}

func (s *Store) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	return findOne[model.Scenario](ctx, s.col(ColScenarios), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListScenarios(ctx context.Context) ([]*model.Scenario, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findMany[model.Scenario](ctx, s.col(ColScenarios), bson.D{}, opts)
}

func (s *Store) UpdateScenario(ctx context.Context, sc *model.Scenario) error {
	res, err := s.col(ColScenarios).ReplaceOne(ctx, bson.D{{Key: "_id", Value: sc.ID}}, sc)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	return deleteByID(ctx, s.col(ColScenarios), id)
}

func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	return insertOne(ctx, s.col(ColExecutions), e)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return findOne[model.Execution](ctx, s.col(ColExecutions), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	filter := bson.D{}
	if status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(status)})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[model.Execution](ctx, s.col(ColExecutions), filter, opts)
}

func (s *Store) UpdateExecutionIfStatus(ctx context.Context, e *model.Execution, expected ...model.ExecutionStatus) error {
	return replaceIf(ctx, s.col(ColExecutions), e.ID, statusIn(expected), e)
}
