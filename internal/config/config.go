package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	SQLitePath string
	HTTPAddr   string

	Discovery DiscoveryConfig
	Pool      PoolConfig
	Sink      SinkConfig
	Identity  IdentityConfig
	Chzzk     PlatformConfig
	Soop      PlatformConfig

	// OverridesPath is an optional JSON file watched for runtime overrides.
	OverridesPath string
}

type DiscoveryConfig struct {
	IntervalMS int
	MaxResults int
	PageSize   int
}

type PoolConfig struct {
	MaxConnectionsPerPlatform int
	ConnectionBatchSize       int
	ConnectionDelayMS         int
}

type SinkConfig struct {
	EventBatchSize int
	FlushMS        int
	MaxRetries     int
	RetryDelayMS   int
}

type IdentityConfig struct {
	PersonCacheMaxSize int
}

type PlatformConfig struct {
	Enabled bool
	BaseURL string
	RPS     float64
}

const (
	defaultSQLitePath   = "scout.db"
	defaultIntervalMS   = 180_000
	defaultMaxResults   = 500
	defaultPageSize     = 50
	defaultMaxConns     = 30
	defaultConnBatch    = 50
	defaultConnDelayMS  = 1_000
	defaultEventBatch   = 100
	defaultFlushMS      = 30_000
	defaultMaxRetries   = 3
	defaultRetryDelayMS = 1_000
	defaultCacheSize    = 10_000
)

func Load() Config {
	cfg := Config{}

	cfg.SQLitePath = strings.TrimSpace(os.Getenv("SCOUT_SQLITE_PATH"))
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	cfg.HTTPAddr = strings.TrimSpace(os.Getenv("SCOUT_HTTP_ADDR"))
	cfg.OverridesPath = strings.TrimSpace(os.Getenv("SCOUT_OVERRIDES_FILE"))

	cfg.Discovery.IntervalMS = readInt("SCOUT_DISCOVERY_INTERVAL_MS", defaultIntervalMS)
	cfg.Discovery.MaxResults = readInt("SCOUT_DISCOVERY_MAX_RESULTS", defaultMaxResults)
	cfg.Discovery.PageSize = readInt("SCOUT_DISCOVERY_PAGE_SIZE", defaultPageSize)

	cfg.Pool.MaxConnectionsPerPlatform = readInt("SCOUT_MAX_CONNECTIONS", defaultMaxConns)
	cfg.Pool.ConnectionBatchSize = readInt("SCOUT_CONNECTION_BATCH_SIZE", defaultConnBatch)
	cfg.Pool.ConnectionDelayMS = readInt("SCOUT_CONNECTION_DELAY_MS", defaultConnDelayMS)

	cfg.Sink.EventBatchSize = readInt("SCOUT_EVENT_BATCH_SIZE", defaultEventBatch)
	cfg.Sink.FlushMS = readInt("SCOUT_FLUSH_MS", defaultFlushMS)
	cfg.Sink.MaxRetries = readInt("SCOUT_MAX_RETRIES", defaultMaxRetries)
	cfg.Sink.RetryDelayMS = readInt("SCOUT_RETRY_DELAY_MS", defaultRetryDelayMS)

	cfg.Identity.PersonCacheMaxSize = readInt("SCOUT_PERSON_CACHE_MAX", defaultCacheSize)

	cfg.Chzzk = loadPlatform("CHZZK", "https://api.chzzk.naver.com", 2)
	cfg.Soop = loadPlatform("SOOP", "https://live.sooplive.co.kr", 1)

	return cfg
}

func loadPlatform(name, baseURL string, rps float64) PlatformConfig {
	p := PlatformConfig{
		Enabled: readBool("SCOUT_"+name+"_ENABLED", true),
		BaseURL: strings.TrimSpace(os.Getenv("SCOUT_" + name + "_BASE_URL")),
		RPS:     readFloat("SCOUT_"+name+"_RPS", rps),
	}
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	return p
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalMS) * time.Millisecond
}

func (c Config) ConnectionDelay() time.Duration {
	return time.Duration(c.Pool.ConnectionDelayMS) * time.Millisecond
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Sink.FlushMS) * time.Millisecond
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Sink.RetryDelayMS) * time.Millisecond
}

// Overrides carries the runtime-tunable subset of the configuration. Zero
// fields mean "leave as is". Loaded from the overrides JSON file on change.
type Overrides struct {
	MaxConnectionsPerPlatform int `json:"max_connections_per_platform"`
	DiscoveryIntervalMS       int `json:"discovery_interval_ms"`
	ConnectionBatchSize       int `json:"connection_batch_size"`
	ConnectionDelayMS         int `json:"connection_delay_ms"`
	EventBatchSize            int `json:"event_batch_size"`
	FlushIntervalMS           int `json:"flush_interval_ms"`
	MaxRetries                int `json:"max_retries"`
	RetryDelayMS              int `json:"retry_delay_ms"`
	PersonCacheMaxSize        int `json:"person_cache_max_size"`
}

func LoadOverrides(path string) (Overrides, error) {
	var o Overrides
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, err
	}
	return o, nil
}

// Apply merges positive override values into the config.
func (c Config) Apply(o Overrides) Config {
	if o.MaxConnectionsPerPlatform > 0 {
		c.Pool.MaxConnectionsPerPlatform = o.MaxConnectionsPerPlatform
	}
	if o.DiscoveryIntervalMS > 0 {
		c.Discovery.IntervalMS = o.DiscoveryIntervalMS
	}
	if o.ConnectionBatchSize > 0 {
		c.Pool.ConnectionBatchSize = o.ConnectionBatchSize
	}
	if o.ConnectionDelayMS > 0 {
		c.Pool.ConnectionDelayMS = o.ConnectionDelayMS
	}
	if o.EventBatchSize > 0 {
		c.Sink.EventBatchSize = o.EventBatchSize
	}
	if o.FlushIntervalMS > 0 {
		c.Sink.FlushMS = o.FlushIntervalMS
	}
	if o.MaxRetries > 0 {
		c.Sink.MaxRetries = o.MaxRetries
	}
	if o.RetryDelayMS > 0 {
		c.Sink.RetryDelayMS = o.RetryDelayMS
	}
	if o.PersonCacheMaxSize > 0 {
		c.Identity.PersonCacheMaxSize = o.PersonCacheMaxSize
	}
	return c
}

type Summary struct {
	SQLitePath string  `json:"sqlite_path"`
	HTTPAddr   string  `json:"http_addr,omitempty"`
	IntervalMS int     `json:"discovery_interval_ms"`
	MaxConns   int     `json:"max_connections"`
	BatchSize  int     `json:"event_batch"`
	FlushMS    int     `json:"flush_ms"`
	CacheMax   int     `json:"person_cache_max"`
	ChzzkOn    bool    `json:"chzzk"`
	SoopOn     bool    `json:"soop"`
	ChzzkRPS   float64 `json:"chzzk_rps"`
	SoopRPS    float64 `json:"soop_rps"`
}

func (c Config) Summary() Summary {
	return Summary{
		SQLitePath: c.SQLitePath,
		HTTPAddr:   c.HTTPAddr,
		IntervalMS: c.Discovery.IntervalMS,
		MaxConns:   c.Pool.MaxConnectionsPerPlatform,
		BatchSize:  c.Sink.EventBatchSize,
		FlushMS:    c.Sink.FlushMS,
		CacheMax:   c.Identity.PersonCacheMaxSize,
		ChzzkOn:    c.Chzzk.Enabled,
		SoopOn:     c.Soop.Enabled,
		ChzzkRPS:   c.Chzzk.RPS,
		SoopRPS:    c.Soop.RPS,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
