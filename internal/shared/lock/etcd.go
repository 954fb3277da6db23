package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdConfig etcd 选主配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	SessionTTL  int // 秒
}

// Etcd 基于 etcd election 的选主
//
// 会话租约过期（进程挂起或网络分区）时 Done 关闭，调用方应停止后台循环并重新 Campaign。
type Etcd struct {
	client *clientv3.Client
	key    string
	nodeID string
	ttl    int

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
}

// NewEtcd 连接 etcd 并创建选主器
func NewEtcd(cfg EtcdConfig, nodeID string) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/fleet"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &Etcd{
		client: client,
		key:    cfg.Prefix + "/leader",
		nodeID: nodeID,
		ttl:    cfg.SessionTTL,
	}, nil
}

// Campaign 创建租约会话并参与选举，阻塞直到当选
func (e *Etcd) Campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create etcd session: %w", err)
	}
	election := concurrency.NewElection(session, e.key)
	if err := election.Campaign(ctx, e.nodeID); err != nil {
		session.Close()
		return fmt.Errorf("campaign %s: %w", e.key, err)
	}

	e.mu.Lock()
	old := e.session
	e.session, e.election = session, election
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log.Printf("[lock.leader.elected] node_id=%s key=%s lease=%x", e.nodeID, e.key, session.Lease())
	return nil
}

// Resign 放弃 leader 身份并关闭会话
func (e *Etcd) Resign(ctx context.Context) error {
	e.mu.Lock()
	session, election := e.session, e.election
	e.session, e.election = nil, nil
	e.mu.Unlock()

	if election == nil {
		return nil
	}
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	log.Printf("[lock.leader.resigned] node_id=%s", e.nodeID)
	return err
}

// Done 会话结束时关闭；未当选时返回已关闭的 channel
func (e *Etcd) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.session.Done()
}

// Close 放弃 leader 并断开 etcd
func (e *Etcd) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = e.Resign(ctx)
	return e.client.Close()
}

var _ Leadership = (*Etcd)(nil)
