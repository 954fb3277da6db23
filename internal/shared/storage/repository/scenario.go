package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/dbutil"
)

const scenarioColumns = `id, name, description, roles, timeline, enabled, created_at, updated_at`

// CreateScenario 插入场景
func (s *Store) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	roles, timeline, err := encodeScenario(sc)
	if err != nil {
		return err
	}
	return s.insert(ctx, `
		INSERT INTO scenarios (id, name, description, roles, timeline, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.Name, sc.Description, roles, timeline, sc.Enabled, sc.CreatedAt, sc.UpdatedAt)
}

// GetScenario 获取场景，不存在返回 nil
func (s *Store) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`), id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sc, err
}

// ListScenarios 列出场景（created_at 降序）
func (s *Store) ListScenarios(ctx context.Context) ([]*model.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenarios []*model.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

// UpdateScenario 更新场景
func (s *Store) UpdateScenario(ctx context.Context, sc *model.Scenario) error {
	roles, timeline, err := encodeScenario(sc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scenarios SET name = $1, description = $2, roles = $3, timeline = $4, enabled = $5, updated_at = $6
		WHERE id = $7`),
		sc.Name, sc.Description, roles, timeline, sc.Enabled, sc.UpdatedAt, sc.ID)
	return requireRow(res, err)
}

// DeleteScenario 删除场景
func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scenarios WHERE id = $1`), id)
	return requireRow(res, err)
}

func encodeScenario(sc *model.Scenario) (roles, timeline string, err error) {
	list := sc.Roles
	if list == nil {
		list = []string{}
	}
	if roles, err = dbutil.ToJSON(list); err != nil {
		return "", "", fmt.Errorf("encode roles: %w", err)
	}
	timeline, err = encodeTimeline(sc.Timeline)
	return roles, timeline, err
}

func encodeTimeline(timeline []model.TimelineAction) (string, error) {
	if timeline == nil {
		return "[]", nil
	}
	data, err := dbutil.ToJSON(timeline)
	if err != nil {
		return "", fmt.Errorf("encode timeline: %w", err)
	}
	return data, nil
}

func scanScenario(row rowScanner) (*model.Scenario, error) {
	sc := &model.Scenario{}
	var roles, timeline sql.NullString
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &roles, &timeline, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(roles, &sc.Roles); err != nil {
		return nil, fmt.Errorf("decode roles of scenario %s: %w", sc.ID, err)
	}
	if err := unmarshalJSON(timeline, &sc.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline of scenario %s: %w", sc.ID, err)
	}
	return sc, nil
}
