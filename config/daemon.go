package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIAddr         = ":8080"
	DefaultCompilerAddr    = ":8081"
	DefaultCompilerURL     = "http://localhost:8081"
	DefaultCompileTimeout  = 2 * time.Minute
	DefaultBuildTimeout    = 90 * time.Second
	DefaultLoadTimeout     = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultSeriesCapacity  = 2000
	DefaultEventBuffer     = 200
	DefaultPriceWindow     = 200
	DefaultAlertPercent    = 5.0
	DefaultInitialEquity   = 10000.0
	DefaultJournalInterval = time.Minute
	DefaultStoreBackend    = "file"
	DefaultStorePath       = "bot.json"
	DefaultMongoDatabase   = "ganymede"
	DefaultMetricsPath     = "/metrics"
)

type LogConf struct {
	Level       string   `yaml:"level"`
	Encoding    string   `yaml:"encoding"`
	Outputs     []string `yaml:"outputs"`
	Development bool     `yaml:"development"`
}

type APIConf struct {
	Addr        string `yaml:"addr"`
	EventBuffer int    `yaml:"event_buffer"`
}

type CompilerConf struct {
	// URL of the remote compiler service used by the bot.
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	CacheDir   string        `yaml:"cache_dir"`

	// Server side.
	Addr         string        `yaml:"addr"`
	ArtifactDir  string        `yaml:"artifact_dir"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	GoBinary     string        `yaml:"go_binary"`
	PublicURL    string        `yaml:"public_url"`
}

type ModuleConf struct {
	Initial     string        `yaml:"initial"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

type MongoConf struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type StoreConf struct {
	Backend string    `yaml:"backend"`
	Path    string    `yaml:"path"`
	Key     string    `yaml:"key"`
	Mongo   MongoConf `yaml:"mongo"`
}

type JournalConf struct {
	MySQLURI string        `yaml:"mysql_uri"`
	Interval time.Duration `yaml:"interval"`
}

type BotConf struct {
	Window        int     `yaml:"window"`
	AlertPercent  float64 `yaml:"alert_percent"`
	InitialEquity float64 `yaml:"initial_equity"`
	BinanceWSURL  string  `yaml:"binance_ws_url"`
	BinanceREST   string  `yaml:"binance_rest_url"`
	CoinbaseWSURL string  `yaml:"coinbase_ws_url"`
	CoinbaseREST  string  `yaml:"coinbase_rest_url"`
}

type MetricsConf struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the daemon configuration file.
type Config struct {
	Log      LogConf      `yaml:"log"`
	API      APIConf      `yaml:"api"`
	Compiler CompilerConf `yaml:"compiler"`
	Module   ModuleConf   `yaml:"module"`
	Series   struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"series"`
	Store   StoreConf   `yaml:"store"`
	Journal JournalConf `yaml:"journal"`
	Bot     BotConf     `yaml:"bot"`
	Metrics MetricsConf `yaml:"metrics"`
}

// Env carries secrets and endpoints that may come from the environment or a
// .env file. Non-empty values override the file.
type Env struct {
	MongoURI       string `envconfig:"GANYMEDE_MONGO_URI"`
	MySQLURI       string `envconfig:"GANYMEDE_MYSQL_URI"`
	CompilerURL    string `envconfig:"GANYMEDE_COMPILER_URL"`
	APIAddr        string `envconfig:"GANYMEDE_API_ADDR"`
	LogLevel       string `envconfig:"GANYMEDE_LOG_LEVEL"`
	BinanceKey     string `envconfig:"BINANCE_API_KEY"`
	BinanceSecret  string `envconfig:"BINANCE_API_SECRET"`
	CoinbaseKey    string `envconfig:"COINBASE_API_KEY"`
	CoinbaseSecret string `envconfig:"COINBASE_API_SECRET"`
	CoinbasePhrase string `envconfig:"COINBASE_PASSPHRASE"`
}

// Load reads the YAML file (if it exists), applies environment overrides and
// defaults, then validates.
func Load(path string) (*Config, *Env, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, nil, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, nil, errors.Wrapf(err, "read %s", path)
		}
	}

	env, err := LoadEnv()
	if err != nil {
		return nil, nil, err
	}
	cfg.applyEnv(env)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, env, nil
}

func LoadEnv() (*Env, error) {
	// .env is optional
	_ = godotenv.Load()

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	return &env, nil
}

func (c *Config) applyEnv(env *Env) {
	if env.MongoURI != "" {
		c.Store.Mongo.URI = env.MongoURI
	}
	if env.MySQLURI != "" {
		c.Journal.MySQLURI = env.MySQLURI
	}
	if env.CompilerURL != "" {
		c.Compiler.URL = env.CompilerURL
	}
	if env.APIAddr != "" {
		c.API.Addr = env.APIAddr
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.API.EventBuffer == 0 {
		c.API.EventBuffer = DefaultEventBuffer
	}

	if c.Compiler.URL == "" {
		c.Compiler.URL = DefaultCompilerURL
	}
	if c.Compiler.Timeout == 0 {
		c.Compiler.Timeout = DefaultCompileTimeout
	}
	if c.Compiler.MaxRetries == 0 {
		c.Compiler.MaxRetries = DefaultMaxRetries
	}
	if c.Compiler.CacheDir == "" {
		c.Compiler.CacheDir = "modules"
	}
	if c.Compiler.Addr == "" {
		c.Compiler.Addr = DefaultCompilerAddr
	}
	if c.Compiler.ArtifactDir == "" {
		c.Compiler.ArtifactDir = "artifacts"
	}
	if c.Compiler.BuildTimeout == 0 {
		c.Compiler.BuildTimeout = DefaultBuildTimeout
	}
	if c.Compiler.GoBinary == "" {
		c.Compiler.GoBinary = "go"
	}

	if c.Module.Initial == "" {
		c.Module.Initial = "builtin:default"
	}
	if c.Module.LoadTimeout == 0 {
		c.Module.LoadTimeout = DefaultLoadTimeout
	}
	if c.Series.Capacity == 0 {
		c.Series.Capacity = DefaultSeriesCapacity
	}

	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Store.Key == "" {
		c.Store.Key = "default"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = DefaultMongoDatabase
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = "config"
	}
	if c.Journal.Interval == 0 {
		c.Journal.Interval = DefaultJournalInterval
	}

	if c.Bot.Window == 0 {
		c.Bot.Window = DefaultPriceWindow
	}
	if c.Bot.AlertPercent == 0 {
		c.Bot.AlertPercent = DefaultAlertPercent
	}
	if c.Bot.InitialEquity == 0 {
		c.Bot.InitialEquity = DefaultInitialEquity
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (c *Config) Validate() error {
	if c.Compiler.Timeout < 0 {
		return errors.New("compiler.timeout must be >= 0")
	}
	if c.Compiler.MaxRetries < 0 {
		return errors.New("compiler.max_retries must be >= 0")
	}
	if c.Series.Capacity < 1 {
		return errors.New("series.capacity must be >= 1")
	}
	if c.API.EventBuffer < 1 {
		return errors.New("api.event_buffer must be >= 1")
	}
	if c.Bot.Window < 2 {
		return fmt.Errorf("bot.window must be >= 2, got %d", c.Bot.Window)
	}
	switch c.Store.Backend {
	case "file":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("store.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend must be file or mongo, got %q", c.Store.Backend)
	}
	return nil
}

// Credentials fills missing connector credentials from the environment.
func (e *Env) Credentials(connector string, params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+3)
	for k, v := range params {
		out[k] = v
	}
	fill := func(key, value string) {
		if out[key] == "" && value != "" {
			out[key] = value
		}
	}
	switch connector {
	case "binance":
		fill("apiKey", e.BinanceKey)
		fill("apiSecret", e.BinanceSecret)
	case "coinbase":
		fill("apiKey", e.CoinbaseKey)
		fill("apiSecret", e.CoinbaseSecret)
		fill("secretPhrase", e.CoinbasePhrase)
	}
	return out
}
