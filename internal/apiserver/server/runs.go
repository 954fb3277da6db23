package server

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	gaugeRefreshInterval = 15 * time.Second
	campaignRetryDelay   = 5 * time.Second
)

// Run 运行后台循环，直到 ctx 取消
//
// 指标刷新在所有实例上运行；存活扫描、调度循环与执行恢复只在 leader 上运行，
// 失去 leader 身份后停止并重新竞选。返回前停止本实例上的执行循环并释放租约，
// 执行状态保持 running，由 leader 接管。
func (h *Handler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runGaugeRefresher(ctx, gaugeRefreshInterval)
	}()

	h.campaignLoop(ctx)
	wg.Wait()

	h.executor.Shutdown()
	log.Println("[server.stopped]")
}

func (h *Handler) campaignLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := h.leader.Campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[server.leader.campaign] ERROR: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(campaignRetryDelay):
			}
			continue
		}

		h.lead(ctx)

		// 主动退出时释放 leader 身份，便于其他实例尽快接手
		if err := h.leader.Resign(context.Background()); err != nil {
			log.Printf("[server.leader.resign] ERROR: %v", err)
		}
	}
}

// lead 一个任期内的后台循环
func (h *Handler) lead(ctx context.Context) {
	termCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.leading.Store(true)
	defer h.leading.Store(false)
	log.Printf("[server.leader.elected] node_id=%s", h.cfg.Dispatcher.NodeID)

	go func() {
		select {
		case <-h.leader.Done():
			if ctx.Err() == nil {
				log.Printf("[server.leader.lost] node_id=%s", h.cfg.Dispatcher.NodeID)
			}
			cancel()
		case <-termCtx.Done():
		}
	}()

	res, err := h.executor.Recover(termCtx)
	if err != nil {
		log.Printf("[server.recover] ERROR: %v", err)
	} else {
		log.Printf("[server.recover] resumed=%d restarted=%d failed=%d skipped=%d",
			len(res.Resumed), len(res.Restarted), len(res.Failed), len(res.Skipped))
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		h.registry.Run(termCtx)
	}()
	go func() {
		defer wg.Done()
		h.dispatcher.Run(termCtx)
	}()
	go func() {
		defer wg.Done()
		h.executor.WatchOrphans(termCtx)
	}()
	wg.Wait()
}
