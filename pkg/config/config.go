// Package config loads runtime configuration for the master and agent
// binaries from environment variables, with a YAML file for the static
// node inventory that seeds the master's node table on startup.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// MasterConfig holds the master's runtime tunables. All fields are read
// from the environment; see env-default for the value used when unset.
type MasterConfig struct {
	ListenAddr          string        `env:"GPUTASKER_MASTER_ADDR" env-default:":8000"`
	DatabaseURL         string        `env:"GPUTASKER_DATABASE_URL"`
	RedisAddr           string        `env:"GPUTASKER_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword       string        `env:"GPUTASKER_REDIS_PASSWORD" env-default:""`
	RedisDB             int           `env:"GPUTASKER_REDIS_DB" env-default:"0"`
	LivenessTTL         time.Duration `env:"GPUTASKER_LIVENESS_TTL" env-default:"30s"`
	LoopInterval        time.Duration `env:"GPUTASKER_LOOP_INTERVAL" env-default:"5s"`
	ClaimLeaseStale     time.Duration `env:"GPUTASKER_CLAIM_LEASE_STALE" env-default:"60s"`
	HeartbeatStale      time.Duration `env:"GPUTASKER_HEARTBEAT_STALE" env-default:"90s"`
	NodeOfflineAfter    time.Duration `env:"GPUTASKER_NODE_OFFLINE_AFTER" env-default:"60s"`
	SSHConnectTimeout   time.Duration `env:"GPUTASKER_SSH_CONNECT_TIMEOUT" env-default:"10s"`
	SSHCommandTimeout   time.Duration `env:"GPUTASKER_SSH_COMMAND_TIMEOUT" env-default:"30s"`
	RemoteWorkDir       string        `env:"GPUTASKER_REMOTE_WORKDIR" env-default:"/tmp/gputasker"`
	RemoteLogDir        string        `env:"GPUTASKER_REMOTE_LOGDIR" env-default:"/tmp/gputasker/logs"`
	SSHPrivateKeyPath   string        `env:"GPUTASKER_SSH_KEY_PATH"`
	NodeInventoryPath   string        `env:"GPUTASKER_NODE_INVENTORY_PATH"`
	LogLevel            string        `env:"GPUTASKER_LOG_LEVEL" env-default:"info"`
	TracingExporter     string        `env:"GPUTASKER_TRACING_EXPORTER" env-default:"none"`
	TracingEndpoint     string        `env:"GPUTASKER_TRACING_ENDPOINT" env-default:""`
	TracingSampleRate   float64       `env:"GPUTASKER_TRACING_SAMPLE_RATE" env-default:"0.1"`
	MetricsAddr         string        `env:"GPUTASKER_METRICS_ADDR" env-default:":9100"`
}

// LoadMasterConfig populates a MasterConfig from the process environment.
func LoadMasterConfig() (*MasterConfig, error) {
	cfg := &MasterConfig{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AgentConfig holds the on-node agent daemon's runtime tunables, mirroring
// the environment variables the legacy Python agent read.
type AgentConfig struct {
	MasterURL           string        `env:"GPUTASKER_AGENT_MASTER_URL" env-default:"http://localhost:8000"`
	ReportToken         string        `env:"GPUTASKER_AGENT_REPORT_TOKEN"`
	ReportInterval      time.Duration `env:"GPUTASKER_AGENT_REPORT_INTERVAL" env-default:"5s"`
	RunningTasksDir     string        `env:"GPUTASKER_AGENT_RUNNING_TASKS_DIR" env-default:"/tmp/gputasker/running"`
	HTTPTimeout         time.Duration `env:"GPUTASKER_AGENT_HTTP_TIMEOUT" env-default:"10s"`
	MaxConsecutiveFails int           `env:"GPUTASKER_AGENT_MAX_CONSECUTIVE_FAILS" env-default:"12"`
	LogLevel            string        `env:"GPUTASKER_AGENT_LOG_LEVEL" env-default:"info"`
	NVMLEnabled         bool          `env:"GPUTASKER_AGENT_USE_NVML" env-default:"false"`
}

// LoadAgentConfig populates an AgentConfig from the process environment.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
