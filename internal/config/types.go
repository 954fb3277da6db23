// Package config 统一配置管理
//
// 协调器、mock-agent 与 fleetctl 共用同一 YAML schema，通过不同章节区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 密码/密钥只从环境变量读取，YAML 中不存储任何凭据。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/fleet-coordinator/，dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer  APIServerConfig  `yaml:"api_server"` // 协调器 HTTP 服务
	Database   DatabaseConfig   `yaml:"database"`   // 持久化存储
	Redis      RedisConfig      `yaml:"redis"`      // 邮箱 / 事件总线 / 调度唤醒队列
	Etcd       EtcdConfig       `yaml:"etcd"`       // 多实例选主
	MinIO      MinIOConfig      `yaml:"minio"`      // 脚本对象存储
	Registry   RegistryConfig   `yaml:"registry"`   // Agent 注册表
	Dispatcher DispatcherConfig `yaml:"dispatcher"` // 任务调度器
	Executor   ExecutorConfig   `yaml:"executor"`   // 场景执行器
	Agent      AgentConfig      `yaml:"agent"`      // mock-agent
}

// APIServerConfig 协调器 HTTP 服务配置
type APIServerConfig struct {
	Port string    `yaml:"port"` // 监听端口
	URL  string    `yaml:"url"`  // 协调器完整 URL（Agent / fleetctl 连接用）
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig HTTPS 配置
type TLSConfig struct {
	Enabled bool     `yaml:"enabled"`  // 协调器以 HTTPS 监听
	CertDir string   `yaml:"cert_dir"` // 证书目录，缺失时自动生成自签名证书
	Hosts   []string `yaml:"hosts"`    // 额外的证书 SAN
	CAFile  string   `yaml:"ca_file"`  // 客户端信任的 CA（mock-agent / fleetctl）
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "memory", "sqlite", "postgres" 或 "mongodb"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

// RedisConfig Redis 配置；未启用时使用进程内实现
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// EtcdConfig etcd 配置；Endpoints 为空时单实例运行
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	SessionTTL  int           `yaml:"session_ttl"` // 选主会话租约（秒）
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MinIOConfig MinIO 对象存储配置；Endpoint 为空时不启用脚本存储
type MinIOConfig struct {
	Endpoint   string        `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey  string        `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey  string        `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL     bool          `yaml:"use_ssl"`
	Bucket     string        `yaml:"bucket"`
	PresignTTL time.Duration `yaml:"presign_ttl"` // reload_script 下载链接有效期
}

// RegistryConfig Agent 注册表配置
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // 超过该时长无心跳视为离线
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // 后台扫描间隔
	BcryptCost       int           `yaml:"bcrypt_cost"`       // 凭证哈希强度
}

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	NodeID       string                   `yaml:"node_id"`       // 唤醒队列消费者 ID
	TickInterval time.Duration            `yaml:"tick_interval"` // 兜底轮询间隔
	BatchSize    int                      `yaml:"batch_size"`    // 单次 tick 处理的最大待调度任务数
	Strategy     DispatcherStrategyConfig `yaml:"strategy"`
	Redis        DispatcherRedisConfig    `yaml:"redis"`
}

// DispatcherStrategyConfig 策略链配置
type DispatcherStrategyConfig struct {
	Chain []string `yaml:"chain"`
}

// DispatcherRedisConfig 唤醒队列读取参数
type DispatcherRedisConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ReadCount   int           `yaml:"read_count"`
}

// ExecutorConfig 场景执行器配置
type ExecutorConfig struct {
	RecoveryWindow time.Duration `yaml:"recovery_window"` // 无进展执行可被恢复的最长时间
	PollInterval   time.Duration `yaml:"poll_interval"`   // 等待任务结果的兜底轮询间隔
	TaskPriority   int           `yaml:"task_priority"`   // 场景任务优先级

	// AgentLossTimeout 映射 Agent 离线超过该时长时执行失败；0 表示只告警、一直等待
	AgentLossTimeout time.Duration `yaml:"agent_loss_timeout"`
	// LeaseTTL 执行归属租约有效期，运行循环按 1/3 周期续约
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// AgentConfig mock-agent 配置
type AgentConfig struct {
	ID                string            `yaml:"id"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	PollInterval      time.Duration     `yaml:"poll_interval"`
	Metadata          map[string]string `yaml:"metadata"`
	FailRate          float64           `yaml:"fail_rate"` // 模拟失败概率
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "memory", "sqlite", "postgres" 或 "mongodb"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisURL       string // 为空表示不使用 Redis
	APIPort        string
	APIServer      APIServerConfig
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Registry       RegistryConfig
	Dispatcher     DispatcherConfig
	Executor       ExecutorConfig
	Agent          AgentConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
