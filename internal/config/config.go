package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type APIKey struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"userID"`
	Role   string `yaml:"role"`
}

type EngineHTTP struct {
	BaseURL  string        `yaml:"baseURL"`
	APIKey   string        `yaml:"apiKey"`
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"readTimeout"`
		WriteTimeout   time.Duration `yaml:"writeTimeout"`
		AllowedOrigins []string      `yaml:"allowedOrigins"`
	} `yaml:"server"`

	Database struct {
		// Driver: mysql, postgres atau memory
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
		Migrate  bool   `yaml:"migrate"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey  string `yaml:"apiKey"`
		BaseURL string `yaml:"baseURL"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`

	Engines struct {
		AWVS struct {
			EngineHTTP `yaml:",inline"`
			ProxyHost  string `yaml:"proxyHost"`
		} `yaml:"awvs"`
		ZAP     EngineHTTP `yaml:"zap"`
		Passive struct {
			Image     string `yaml:"image"`
			DockerBin string `yaml:"dockerBin"`
			OutputDir string `yaml:"outputDir"`
			// ListenerHost is dialed to check the listener is up.
			ListenerHost string `yaml:"listenerHost"`
		} `yaml:"passive"`
	} `yaml:"engines"`

	Orchestrator struct {
		Workers       int           `yaml:"workers"`
		PollInterval  time.Duration `yaml:"pollInterval"`
		MaxPolls      int           `yaml:"maxPolls"`
		ReadyTimeout  time.Duration `yaml:"readyTimeout"`
		ReadyInterval time.Duration `yaml:"readyInterval"`
	} `yaml:"orchestrator"`

	PortPool struct {
		Start     int    `yaml:"start"`
		End       int    `yaml:"end"`
		CheckHost string `yaml:"checkHost"`
	} `yaml:"portPool"`

	Dedup struct {
		Threshold float64 `yaml:"threshold"`
		CacheSize int     `yaml:"cacheSize"`
	} `yaml:"dedup"`

	RabbitMQ struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`

	Auth struct {
		APIKeys []APIKey `yaml:"apiKeys"`
	} `yaml:"auth"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load baca .env (kalau ada), file config.yaml, lalu override dari env
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load without the filesystem; lookup resolves env overrides.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Database.Driver, "SCANHIVE_DB_DRIVER")
	set(&c.Database.Password, "SCANHIVE_DB_PASSWORD")
	set(&c.Engines.AWVS.APIKey, "SCANHIVE_AWVS_API_KEY")
	set(&c.Engines.ZAP.APIKey, "SCANHIVE_ZAP_API_KEY")
	set(&c.OpenAI.APIKey, "SCANHIVE_OPENAI_API_KEY")
	set(&c.Minio.AccessKey, "SCANHIVE_MINIO_ACCESS_KEY")
	set(&c.Minio.SecretKey, "SCANHIVE_MINIO_SECRET_KEY")
	set(&c.RabbitMQ.URL, "SCANHIVE_RABBITMQ_URL")
	set(&c.Logging.Level, "SCANHIVE_LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 3
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = 30 * time.Second
	}
	if c.Orchestrator.MaxPolls == 0 {
		c.Orchestrator.MaxPolls = 200
	}
	if c.Orchestrator.ReadyTimeout == 0 {
		c.Orchestrator.ReadyTimeout = 100 * time.Second
	}
	if c.Orchestrator.ReadyInterval == 0 {
		c.Orchestrator.ReadyInterval = time.Second
	}
	if c.PortPool.Start == 0 && c.PortPool.End == 0 {
		c.PortPool.Start, c.PortPool.End = 7777, 7799
	}
	if c.PortPool.CheckHost == "" {
		c.PortPool.CheckHost = "0.0.0.0"
	}
	if c.Engines.Passive.ListenerHost == "" {
		c.Engines.Passive.ListenerHost = "127.0.0.1"
	}
	if c.Dedup.Threshold == 0 {
		c.Dedup.Threshold = 0.82
	}
	if c.Dedup.CacheSize == 0 {
		c.Dedup.CacheSize = 4096
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "scanhive.events"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks ranges after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.PortPool.Start <= 0 || c.PortPool.End > 65535 || c.PortPool.Start > c.PortPool.End {
		errs = append(errs, fmt.Errorf("portPool: invalid range %d-%d", c.PortPool.Start, c.PortPool.End))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be in (0,1], got %v", c.Dedup.Threshold))
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, errors.New("orchestrator.workers must be > 0"))
	}
	if c.Orchestrator.MaxPolls <= 0 {
		errs = append(errs, errors.New("orchestrator.maxPolls must be > 0"))
	}
	for i, k := range c.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" || k.UserID == "" {
			errs = append(errs, fmt.Errorf("auth.apiKeys[%d]: key and userID are required", i))
		}
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq keyword/value DSN.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
