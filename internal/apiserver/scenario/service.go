// Package scenario 场景剧本管理与时间线执行器
//
// 场景是按时间偏移编排的多角色动作序列。启动一次执行时把每个角色映射到一个具体 Agent，
// 执行器按时间线依次把动作提交为任务，任务完成后把动作索引写入 executed_actions，
// 协调器重启后据此从断点继续，已送达的动作不会重放。
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"
)

// Service 场景管理服务
type Service struct {
	store storage.ScenarioStore
	clock clock.Clock
}

// NewService 创建场景管理服务
func NewService(store storage.ScenarioStore, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: store, clock: clk}
}

// ScenarioRequest 创建 / 更新场景请求
type ScenarioRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Roles       []string               `json:"roles,omitempty"` // 为空时取时间线引用的角色
	Timeline    []model.TimelineAction `json:"timeline"`
	Enabled     *bool                  `json:"enabled,omitempty"` // 创建时默认启用
}

// Create 创建场景；时间线按 time_offset 稳定排序，动作载荷与角色在此校验
func (s *Service) Create(ctx context.Context, req *ScenarioRequest) (*model.Scenario, error) {
	now := s.clock.Now()
	sc := &model.Scenario{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Roles:       cloneRoles(req.Roles),
		Timeline:    model.CloneTimeline(req.Timeline),
		Enabled:     req.Enabled == nil || *req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("create scenario: %w", err)
	}
	log.Printf("[scenario.created] scenario_id=%s name=%q roles=%v actions=%d", sc.ID, sc.Name, sc.Roles, len(sc.Timeline))
	return sc, nil
}

// Get 获取场景
func (s *Service) Get(ctx context.Context, id string) (*model.Scenario, error) {
	sc, err := s.store.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, ErrScenarioNotFound
	}
	return sc, nil
}

// List 列出全部场景
func (s *Service) List(ctx context.Context) ([]*model.Scenario, error) {
	return s.store.ListScenarios(ctx)
}

// Update 替换场景定义；已启动的执行使用启动时的快照，不受影响
func (s *Service) Update(ctx context.Context, id string, req *ScenarioRequest) (*model.Scenario, error) {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Name = req.Name
	sc.Description = req.Description
	sc.Roles = cloneRoles(req.Roles)
	sc.Timeline = model.CloneTimeline(req.Timeline)
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, s.save(ctx, sc)
}

// SetEnabled 启用或停用场景
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Scenario, error) {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Enabled == enabled {
		return sc, nil
	}
	sc.Enabled = enabled
	if err := s.save(ctx, sc); err != nil {
		return nil, err
	}
	log.Printf("[scenario.toggled] scenario_id=%s enabled=%v", id, enabled)
	return sc, nil
}

// Delete 删除场景
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteScenario(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrScenarioNotFound
		}
		return err
	}
	log.Printf("[scenario.deleted] scenario_id=%s", id)
	return nil
}

func (s *Service) save(ctx context.Context, sc *model.Scenario) error {
	sc.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateScenario(ctx, sc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrScenarioNotFound
		}
		return fmt.Errorf("update scenario: %w", err)
	}
	return nil
}

func cloneRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	return append([]string{}, roles...)
}
