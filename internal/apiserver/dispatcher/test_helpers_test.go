package dispatcher

import (
	"time"

	"fleet-coordinator/internal/shared/model"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestAgent 创建测试 Agent；idleFor 为距 testEpoch 的空闲时长
func createTestAgent(id string, metadata map[string]string, idleFor time.Duration) *model.Agent {
	return &model.Agent{
		ID:           id,
		Status:       model.AgentStatusOnline,
		Metadata:     metadata,
		LastActiveAt: testEpoch.Add(-idleFor),
	}
}

// createTestTask 创建测试任务
func createTestTask(id string, labels map[string]string) *model.Task {
	return &model.Task{
		ID:     id,
		Labels: labels,
	}
}

func agentIDs(agents []*model.Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids
}
