package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Agent       AgentConfig               `json:"agent" yaml:"agent"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Trace       TraceConfig               `json:"trace" yaml:"trace"`
	Auth        AuthConfig                `json:"auth" yaml:"auth"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress  string `json:"server_address" yaml:"server_address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// ModelLabel is the constant `model` field of every chat completion.
	ModelLabel        string  `json:"model_label" yaml:"model_label"`
	AgentTimeout      int     `json:"agent_timeout" yaml:"agent_timeout"` // seconds
	MinWorkers        int     `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int     `json:"max_workers" yaml:"max_workers"`
	QueueSize         int     `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int     `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	RateLimitRPS      float64 `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst    int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type AgentConfig struct {
	Provider     string      `json:"provider" yaml:"provider"`
	Model        string      `json:"model" yaml:"model"`
	Temperature  float32     `json:"temperature" yaml:"temperature"`
	MaxSteps     int         `json:"max_steps" yaml:"max_steps"`
	Tags         []string    `json:"tags" yaml:"tags"`
	SystemPrompt string      `json:"system_prompt" yaml:"system_prompt"`
	WebSearch    bool        `json:"web_search" yaml:"web_search"`
	MCPServers   []MCPServer `json:"mcp_servers" yaml:"mcp_servers"`
	// Google custom search credentials; duckduckgo is used without them.
	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id"`
}

type MCPServer struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type TraceConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	Database string `json:"database" yaml:"database"`
	Table    string `json:"table" yaml:"table"`
	// DataDir holds one sqlite file per database name.
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	Params     string `json:"params" yaml:"params"`
	RetryDelay int    `json:"retry_delay" yaml:"retry_delay"` // seconds
	SelfHeal   *bool  `json:"self_heal" yaml:"self_heal"`
	OnStream   bool   `json:"on_stream" yaml:"on_stream"`
	OnInvoke   *bool  `json:"on_invoke" yaml:"on_invoke"`
}

type AuthConfig struct {
	Mode     string `json:"mode" yaml:"mode"`
	Token    string `json:"token" yaml:"token"`
	SignKey  string `json:"sign_key" yaml:"sign_key"`
	TokenTTL int    `json:"token_ttl" yaml:"token_ttl"` // minutes
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	RunTTL   int    `json:"run_ttl" yaml:"run_ttl"` // minutes
}

const (
	AuthModeNone  = "none"
	AuthModeBasic = "basic"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is applied first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Trace.DataDir != "" && !filepath.IsAbs(cfg.Trace.DataDir) {
		cfg.Trace.DataDir = filepath.Join(filepath.Dir(absPath), cfg.Trace.DataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for provider, env := range map[string]string{
		"openai": "OPENAI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
		"gemini": "GEMINI_API_KEY",
	} {
		if key := os.Getenv(env); key != "" {
			p := c.Providers[provider]
			p.APIKey = key
			c.Providers[provider] = p
		}
	}
	if v := os.Getenv("COPILOT_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("COPILOT_SIGN_KEY"); v != "" {
		c.Auth.SignKey = v
	}
	if v := os.Getenv("TRACE_DB_NAME"); v != "" {
		c.Trace.Database = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Agent.GoogleAPIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_ENGINE_ID"); v != "" {
		c.Agent.GoogleSearchEngineID = v
	}
	if v := os.Getenv("MCP_SERVER_URL"); v != "" {
		c.Agent.MCPServers = append(c.Agent.MCPServers, MCPServer{Name: "queryHttpEvents", URL: v})
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.ModelLabel == "" {
		b.ModelLabel = "azion"
	}
	if b.AgentTimeout <= 0 {
		b.AgentTimeout = 120
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}

	a := &c.Agent
	if a.Provider == "" {
		a.Provider = "openai"
	}
	if a.Temperature == 0 {
		a.Temperature = 0.3
	}
	if a.MaxSteps <= 0 {
		a.MaxSteps = 3
	}
	if len(a.Tags) == 0 {
		a.Tags = []string{"agent"}
	}

	t := &c.Trace
	if t.Driver == "" {
		t.Driver = "sqlite3"
	}
	if t.Database == "" {
		t.Database = "messagestore"
	}
	if t.Table == "" {
		t.Table = "messages"
	}
	if t.DataDir == "" {
		t.DataDir = "data"
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = 20
	}
	if t.SelfHeal == nil {
		on := true
		t.SelfHeal = &on
	}
	if t.OnInvoke == nil {
		on := true
		t.OnInvoke = &on
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 60
	}
	if c.Redis.RunTTL <= 0 {
		c.Redis.RunTTL = 24 * 60
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if !identifierPattern.MatchString(c.Trace.Database) {
		return fmt.Errorf("trace database %q must be a plain identifier", c.Trace.Database)
	}
	if !identifierPattern.MatchString(c.Trace.Table) {
		return fmt.Errorf("trace table %q must be a plain identifier", c.Trace.Table)
	}
	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeBasic:
		if c.Auth.SignKey == "" {
			return fmt.Errorf("auth mode basic requires a sign key")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %s", c.Auth.Mode)
	}
	return nil
}

// AgentTimeout reports the upper bound of one agent run.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.BasicConfig.AgentTimeout) * time.Second
}

// RetryDelay reports the pause before the single trace retry.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Trace.RetryDelay) * time.Second
}
