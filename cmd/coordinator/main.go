// Package main 协调器入口
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/server"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/infra"
	"fleet-coordinator/internal/shared/lock"
	"fleet-coordinator/internal/shared/objstore"
	"fleet-coordinator/internal/shared/storage/backend"
	"fleet-coordinator/internal/shared/tlsutil"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg := config.Load()

	log.Printf("Starting coordinator... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 持久化存储（Agent / 任务 / 场景 / 执行）
	store, err := backend.Open(backend.Options{
		Driver: cfg.DatabaseDriver,
		URL:    cfg.DatabaseURL,
		DBName: cfg.DatabaseDBName,
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	// 邮箱、事件总线、调度唤醒队列
	inf, err := infra.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer inf.Close()
	log.Printf("Infrastructure backend: %s", inf.Backend)

	deps := server.Deps{
		Config:  cfg,
		Store:   store,
		Infra:   inf,
		Metrics: metrics.New("fleet"),
	}

	// 脚本对象存储（可选）
	if cfg.MinIO.Endpoint != "" {
		scripts, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to create MinIO client: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = scripts.EnsureBucket(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to ensure bucket %s: %v", cfg.MinIO.Bucket, err)
		}
		deps.Scripts = scripts
		log.Printf("Script store enabled: %s/%s", cfg.MinIO.Endpoint, cfg.MinIO.Bucket)
	}

	// 多实例选主（可选）；未配置 etcd 时本实例始终为 leader
	if len(cfg.Etcd.Endpoints) > 0 {
		leader, err := lock.NewEtcd(lock.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
			SessionTTL:  cfg.Etcd.SessionTTL,
		}, cfg.Dispatcher.NodeID)
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer leader.Close()
		deps.Leader = leader
		log.Printf("Leader election enabled: %v", cfg.Etcd.Endpoints)
	}

	h := server.NewHandler(deps)

	// 后台循环：选主、心跳扫描、调度、执行恢复
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.APIServer.TLS.Enabled {
		paths, err := tlsutil.Ensure(cfg.APIServer.TLS.CertDir, cfg.APIServer.TLS.Hosts, tlsutil.DefaultValidity)
		if err != nil {
			log.Fatalf("Failed to prepare TLS certificates: %v", err)
		}
		srv.TLSConfig, err = tlsutil.ServerConfig(paths)
		if err != nil {
			log.Fatalf("Failed to load TLS certificates: %v", err)
		}
		log.Printf("TLS enabled, agents should trust CA: %s", paths.CA)
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down coordinator...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Coordinator listening on :%s (tls=%v)", cfg.APIPort, srv.TLSConfig != nil)
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	cancel()
	<-runDone
	fmt.Println("Coordinator stopped")
}
