// Package main 模拟 Agent 入口
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
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"fleet-coordinator/internal/agentclient"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/tlsutil"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	count := flag.Int("count", 1, "启动的模拟 Agent 数量")
	credential := flag.String("credential", "", "Agent 凭证（为空时使用协调器签发的凭证）")
	failRate := flag.Float64("fail-rate", -1, "模拟失败概率（0~1，覆盖配置文件）")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	appCfg := config.Load()

	// 环境变量 > yaml 配置 > 默认值
	baseID := firstNonEmpty(os.Getenv("AGENT_ID"), appCfg.Agent.ID, "mock-"+uuid.New().String()[:8])
	coordinatorURL := firstNonEmpty(os.Getenv("COORDINATOR_URL"), appCfg.APIServer.URL, "http://localhost:8080")
	agentCredential := firstNonEmpty(*credential, os.Getenv("AGENT_CREDENTIAL"))
	if *failRate >= 0 {
		appCfg.Agent.FailRate = *failRate
	} else if v := os.Getenv("AGENT_FAIL_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			appCfg.Agent.FailRate = rate
		}
	}

	log.Printf("Coordinator: %s", coordinatorURL)
	log.Printf("Agents: %d (base id %s, fail rate %.2f)", *count, baseID, appCfg.Agent.FailRate)

	var httpClient *http.Client
	if caFile := appCfg.APIServer.TLS.CAFile; caFile != "" {
		var err error
		httpClient, err = tlsutil.HTTPClient(caFile, 30*time.Second)
		if err != nil {
			log.Fatalf("Failed to load TLS CA: %v", err)
		}
		log.Printf("TLS CA: %s", caFile)
	}
	client := agentclient.New(coordinatorURL, httpClient)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down mock agents...")
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		agentCfg := appCfg.Agent
		agentCfg.ID = baseID
		if *count > 1 {
			agentCfg.ID = fmt.Sprintf("%s-%d", baseID, i+1)
		}
		worker := agentclient.NewWorker(client, agentCfg, agentCredential)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				log.Printf("Agent %s exited: %v", agentCfg.ID, err)
			}
		}()
	}
	wg.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
