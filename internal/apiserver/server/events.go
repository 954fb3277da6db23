package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/scenario"
	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/model"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// upgrader WebSocket 升级器配置（允许所有来源）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// executionReader 网关查询执行状态
type executionReader interface {
	Get(ctx context.Context, id string) (*model.Execution, error)
}

// wsMessage 推送给客户端的消息
//
//	快照：{"type": "snapshot", "data": {...execution}}
//	事件：{"type": "event", "data": {...ExecutionEvent}}
//	终态：{"type": "status", "data": {"status": "completed", "finished_at": "..."}}
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// wsClient gorilla/websocket 不允许并发写，读循环回复 pong 与写循环共用同一把锁
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// EventGateway 执行事件 WebSocket 网关
//
// 连接建立后先推送执行快照，随后转发事件总线上该执行的事件，执行进入终态时
// 推送 status 消息并关闭连接。未配置事件总线时降级为轮询执行状态。
type EventGateway struct {
	executions   executionReader
	bus          eventbus.ExecutionEventBus
	metrics      *metrics.Metrics
	pollInterval time.Duration

	clients map[string]map[*wsClient]bool // 按执行 ID 索引
	mu      sync.RWMutex
}

// NewEventGateway 创建事件网关；bus 为 nil 时使用轮询模式
func NewEventGateway(executions executionReader, bus eventbus.ExecutionEventBus, m *metrics.Metrics) *EventGateway {
	return &EventGateway{
		executions:   executions,
		bus:          bus,
		metrics:      m,
		pollInterval: 500 * time.Millisecond,
		clients:      make(map[string]map[*wsClient]bool),
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/executions/{id}/events
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	if execID == "" {
		http.Error(w, "execution id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再读快照，避免两者之间的事件丢失
	var events <-chan *eventbus.ExecutionEvent
	if g.bus != nil {
		ch, err := g.bus.SubscribeExecutionEvents(ctx, execID)
		if err != nil {
			log.Printf("[ws.subscribe] WARNING: execution_id=%s falling back to polling: %v", execID, err)
		} else {
			events = ch
		}
	}

	exec, err := g.executions.Get(ctx, execID)
	if err != nil {
		if errors.Is(err, scenario.ErrExecutionNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load execution", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws.upgrade] ERROR: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	g.addClient(execID, client)
	defer g.removeClient(execID, client)
	log.Printf("[ws.connected] execution_id=%s", execID)

	go g.readPump(client, cancel)

	if err := g.write(client, wsMessage{Type: "snapshot", Data: exec}); err != nil {
		return
	}
	if exec.Status.IsTerminal() {
		g.sendStatus(client, exec)
		return
	}

	if events != nil {
		g.writePumpEvents(ctx, client, execID, events)
		return
	}
	g.writePumpPolling(ctx, client, exec)
}

// addClient 添加客户端连接
func (g *EventGateway) addClient(execID string, c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[execID] == nil {
		g.clients[execID] = make(map[*wsClient]bool)
	}
	g.clients[execID][c] = true
	g.metrics.WSConnectionOpened()
}

// removeClient 移除客户端连接，最后一个连接移除时清理整个条目
func (g *EventGateway) removeClient(execID string, c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[execID]; ok {
		if _, ok := clients[c]; !ok {
			return
		}
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.clients, execID)
		}
		g.metrics.WSConnectionClosed()
	}
}

// Connections 当前连接总数
func (g *EventGateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, clients := range g.clients {
		n += len(clients)
	}
	return n
}

// readPump 读取客户端消息；连接断开时取消写循环
func (g *EventGateway) readPump(c *wsClient, cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws.read] ERROR: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			c.send(wsMessage{Type: "pong"})
		}
	}
}

// writePumpEvents 事件驱动模式
func (g *EventGateway) writePumpEvents(ctx context.Context, c *wsClient, execID string, events <-chan *eventbus.ExecutionEvent) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				// 订阅被关闭，按存储中的状态收尾
				if exec, err := g.executions.Get(context.Background(), execID); err == nil && exec.Status.IsTerminal() {
					g.sendStatus(c, exec)
				}
				return
			}
			if err := g.write(c, wsMessage{Type: "event", Data: event}); err != nil {
				return
			}
			if event.IsTerminal() {
				exec, err := g.executions.Get(ctx, execID)
				if err != nil {
					exec = &model.Execution{ID: execID, Status: event.Status}
				}
				g.sendStatus(c, exec)
				return
			}
		}
	}
}

// writePumpPolling 轮询模式：状态或进度变化时推送快照
func (g *EventGateway) writePumpPolling(ctx context.Context, c *wsClient, last *model.Execution) {
	ticker := time.NewTicker(g.pollInterval)
	pingTicker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-ticker.C:
			exec, err := g.executions.Get(ctx, last.ID)
			if err != nil {
				log.Printf("[ws.poll] ERROR: execution_id=%s: %v", last.ID, err)
				continue
			}
			if exec.Status != last.Status || len(exec.ExecutedActions) != len(last.ExecutedActions) {
				if err := g.write(c, wsMessage{Type: "snapshot", Data: exec}); err != nil {
					return
				}
				last = exec
			}
			if exec.Status.IsTerminal() {
				g.sendStatus(c, exec)
				return
			}
		}
	}
}

func (g *EventGateway) write(c *wsClient, msg wsMessage) error {
	if err := c.send(msg); err != nil {
		log.Printf("[ws.write] ERROR: %v", err)
		return err
	}
	g.metrics.RecordWSMessage()
	return nil
}

func (g *EventGateway) sendStatus(c *wsClient, exec *model.Execution) {
	g.write(c, wsMessage{Type: "status", Data: map[string]interface{}{
		"status":      exec.Status,
		"error":       exec.Error,
		"finished_at": exec.FinishedAt,
	}})
}
