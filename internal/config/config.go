package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName 当前环境的配置文件名
func ConfigFileName() string {
	return string(parseEnv(getEnv("APP_ENV", "dev"))) + ".yaml"
}

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 加载 {env}.yaml 覆盖默认值
//  3. 环境变量覆盖
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg := loadYAMLConfig(env)

	yamlCfg.Database.Password = firstEnv("DB_PASSWORD", "MONGO_ROOT_PASSWORD")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	yamlCfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(getEnv("DATABASE_DRIVER", yamlCfg.Database.Driver), databaseURL)
	yamlCfg.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" && yamlCfg.Redis.Enabled {
		redisURL = buildRedisURL(yamlCfg.Redis)
	}

	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		yamlCfg.Etcd.Endpoints = splitList(endpoints)
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		yamlCfg.MinIO.Endpoint = endpoint
	}
	if id := os.Getenv("AGENT_ID"); id != "" {
		yamlCfg.Agent.ID = id
	}
	if v := os.Getenv("BCRYPT_COST"); v != "" {
		if cost, err := strconv.Atoi(v); err == nil {
			yamlCfg.Registry.BcryptCost = cost
		}
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: yamlCfg.Database.Name,
		RedisURL:       redisURL,
		APIPort:        getEnv("API_PORT", yamlCfg.APIServer.Port),
		APIServer:      yamlCfg.APIServer,
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		Registry:       yamlCfg.Registry,
		Dispatcher:     yamlCfg.Dispatcher,
		Executor:       yamlCfg.Executor,
		Agent:          yamlCfg.Agent,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	if url := os.Getenv("COORDINATOR_URL"); url != "" {
		cfg.APIServer.URL = url
	}
	if caFile := os.Getenv("TLS_CA_FILE"); caFile != "" {
		cfg.APIServer.TLS.CAFile = caFile
	}

	cfg.Validate()
	return cfg
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8080", URL: "http://localhost:8080", TLS: TLSConfig{CertDir: "./data/certs"}},
		Database:  DatabaseConfig{Driver: "sqlite", Host: "localhost", Port: 5432, User: "fleet", Name: "fleet", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:      EtcdConfig{Prefix: "/fleet", SessionTTL: 10, DialTimeout: 5 * time.Second},
		MinIO:     MinIOConfig{Bucket: "fleet-scripts", PresignTTL: 15 * time.Minute},
		Registry: RegistryConfig{
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    10 * time.Second,
			BcryptCost:       10,
		},
		Dispatcher: DispatcherConfig{
			NodeID:       "dispatcher-default",
			TickInterval: 5 * time.Second,
			BatchSize:    100,
			Strategy:     DispatcherStrategyConfig{Chain: []string{"direct", "affinity", "label_match", "idle_longest"}},
			Redis:        DispatcherRedisConfig{ReadTimeout: 5 * time.Second, ReadCount: 10},
		},
		Executor: ExecutorConfig{
			RecoveryWindow:   10 * time.Minute,
			PollInterval:     5 * time.Second,
			TaskPriority:     100,
			AgentLossTimeout: 10 * time.Minute,
			LeaseTTL:         30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 10 * time.Second,
			PollInterval:      3 * time.Second,
		},
	}
}

// loadYAMLConfig 加载 YAML 配置文件：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	filename := string(env) + ".yaml"
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			log.Printf("[config] failed to parse %s: %v", path, err)
			break
		}
		cfg.loadedFrom = path
		break
	}
	return cfg
}

// Validate 填充缺省值
func (c *Config) Validate() {
	def := defaultYAMLConfig()
	if c.APIPort == "" {
		c.APIPort = def.APIServer.Port
	}
	if c.APIServer.URL == "" {
		c.APIServer.URL = "http://localhost:" + c.APIPort
	}
	if c.DatabaseDBName == "" {
		c.DatabaseDBName = def.Database.Name
	}
	c.Registry.validate(def.Registry)
	c.Dispatcher.validate(def.Dispatcher)
	c.Executor.validate(def.Executor)
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = def.Etcd.Prefix
	}
	if c.Etcd.SessionTTL <= 0 {
		c.Etcd.SessionTTL = def.Etcd.SessionTTL
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = def.Etcd.DialTimeout
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = def.MinIO.Bucket
	}
	if c.MinIO.PresignTTL <= 0 {
		c.MinIO.PresignTTL = def.MinIO.PresignTTL
	}
	if c.Agent.HeartbeatInterval <= 0 {
		c.Agent.HeartbeatInterval = def.Agent.HeartbeatInterval
	}
	if c.Agent.PollInterval <= 0 {
		c.Agent.PollInterval = def.Agent.PollInterval
	}
}

func (r *RegistryConfig) validate(def RegistryConfig) {
	if r.HeartbeatTimeout <= 0 {
		r.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if r.SweepInterval <= 0 {
		r.SweepInterval = def.SweepInterval
	}
	if r.BcryptCost <= 0 {
		r.BcryptCost = def.BcryptCost
	}
}

func (d *DispatcherConfig) validate(def DispatcherConfig) {
	if d.NodeID == "" {
		d.NodeID = def.NodeID
	}
	if d.TickInterval <= 0 {
		d.TickInterval = def.TickInterval
	}
	if d.BatchSize <= 0 {
		d.BatchSize = def.BatchSize
	}
	if len(d.Strategy.Chain) == 0 {
		d.Strategy.Chain = def.Strategy.Chain
	}
	if d.Redis.ReadTimeout <= 0 {
		d.Redis.ReadTimeout = def.Redis.ReadTimeout
	}
	if d.Redis.ReadCount <= 0 {
		d.Redis.ReadCount = def.Redis.ReadCount
	}
}

func (e *ExecutorConfig) validate(def ExecutorConfig) {
	if e.RecoveryWindow <= 0 {
		e.RecoveryWindow = def.RecoveryWindow
	}
	if e.PollInterval <= 0 {
		e.PollInterval = def.PollInterval
	}
	if e.TaskPriority == 0 {
		e.TaskPriority = def.TaskPriority
	}
	if e.AgentLossTimeout < 0 {
		e.AgentLossTimeout = 0
	}
	if e.LeaseTTL <= 0 {
		e.LeaseTTL = def.LeaseTTL
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
