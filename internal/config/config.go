package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"polysybil/internal/cluster"
	"polysybil/internal/funding"
	"polysybil/internal/graph"
	"polysybil/internal/logging"
	"polysybil/internal/scoring"
)

// EnvPrefix namespaces environment overrides, e.g. POLYSYBIL_DATABASE_DSN.
const EnvPrefix = "POLYSYBIL"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the score and detect pipeline cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
}

// ScoringConfig tunes wallet scoring.
type ScoringConfig struct {
	MinTrades        int           `mapstructure:"min_trades"`
	ExactLimit       int           `mapstructure:"exact_limit"`
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	PValueLog10Cap   float64       `mapstructure:"pvalue_log10_cap"`
	LeadTimeFloor    time.Duration `mapstructure:"lead_time_floor"`
	LeadTimeCeiling  time.Duration `mapstructure:"lead_time_ceiling"`
	VolumeSaturation int           `mapstructure:"volume_saturation"`
	Weights          WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig are the composite score weights.
type WeightsConfig struct {
	PValue          float64 `mapstructure:"pvalue"`
	WinRate         float64 `mapstructure:"win_rate"`
	LeadTime        float64 `mapstructure:"lead_time"`
	SizeCorrelation float64 `mapstructure:"size_correlation"`
	Volume          float64 `mapstructure:"volume"`
}

// ClusteringConfig tunes graph construction and community detection.
type ClusteringConfig struct {
	MinInsiderScore    float64       `mapstructure:"min_insider_score"`
	Window             time.Duration `mapstructure:"window"`
	MinEdgeWeight      float64       `mapstructure:"min_edge_weight"`
	MinDegree          int           `mapstructure:"min_degree"`
	SimilarityBonusCap float64       `mapstructure:"similarity_bonus_cap"`
	MaxEdges           int           `mapstructure:"max_edges"`
	Workers            int           `mapstructure:"workers"`
	MinClusterSize     int           `mapstructure:"min_cluster_size"`
	MinConfidence      float64       `mapstructure:"min_confidence"`
	Seed               int64         `mapstructure:"seed"`
	FundingBoost       float64       `mapstructure:"funding_boost"`
}

// EthereumConfig covers the on-chain funding lookup.
type EthereumConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	FundingToken   string        `mapstructure:"funding_token"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	FromBlock      uint64        `mapstructure:"from_block"`
	BlockSpan      uint64        `mapstructure:"block_span"`
	LookbackBlocks uint64        `mapstructure:"lookback_blocks"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled              bool           `mapstructure:"enabled"`
	MinInsiderScore      float64        `mapstructure:"min_insider_score"`
	MinClusterConfidence float64        `mapstructure:"min_cluster_confidence"`
	Cooldown             time.Duration  `mapstructure:"cooldown"`
	Retention            time.Duration  `mapstructure:"retention"`
	MaxPerRun            int            `mapstructure:"max_per_run"`
	Channels             []string       `mapstructure:"channels"`
	Telegram             TelegramConfig `mapstructure:"telegram"`
	Discord              DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig configures Telegram bot delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DiscordConfig configures Discord webhook delivery.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows          int `mapstructure:"max_rows"`
	HistogramBuckets int `mapstructure:"histogram_buckets"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "polysybil")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70737962))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_timeout", "45m")

	scoringDefaults := scoring.DefaultOptions()
	v.SetDefault("scoring.min_trades", scoringDefaults.MinTrades)
	v.SetDefault("scoring.exact_limit", scoringDefaults.ExactLimit)
	v.SetDefault("scoring.workers", 8)
	v.SetDefault("scoring.batch_size", 500)
	v.SetDefault("scoring.pvalue_log10_cap", scoringDefaults.PValueLog10Cap)
	v.SetDefault("scoring.lead_time_floor", scoringDefaults.LeadTimeFloor.String())
	v.SetDefault("scoring.lead_time_ceiling", scoringDefaults.LeadTimeCeiling.String())
	v.SetDefault("scoring.volume_saturation", scoringDefaults.VolumeSaturation)
	v.SetDefault("scoring.weights.pvalue", scoringDefaults.Weights.PValue)
	v.SetDefault("scoring.weights.win_rate", scoringDefaults.Weights.WinRate)
	v.SetDefault("scoring.weights.lead_time", scoringDefaults.Weights.LeadTime)
	v.SetDefault("scoring.weights.size_correlation", scoringDefaults.Weights.SizeCorrelation)
	v.SetDefault("scoring.weights.volume", scoringDefaults.Weights.Volume)

	graphDefaults := graph.DefaultOptions()
	clusterDefaults := cluster.DefaultOptions()
	v.SetDefault("clustering.min_insider_score", graphDefaults.MinInsiderScore)
	v.SetDefault("clustering.window", graphDefaults.Window.String())
	v.SetDefault("clustering.min_edge_weight", graphDefaults.MinEdgeWeight)
	v.SetDefault("clustering.min_degree", graphDefaults.MinDegree)
	v.SetDefault("clustering.similarity_bonus_cap", graphDefaults.SimilarityBonusCap)
	v.SetDefault("clustering.max_edges", graphDefaults.MaxEdges)
	v.SetDefault("clustering.workers", graphDefaults.Workers)
	v.SetDefault("clustering.min_cluster_size", clusterDefaults.MinClusterSize)
	v.SetDefault("clustering.min_confidence", clusterDefaults.MinConfidence)
	v.SetDefault("clustering.seed", clusterDefaults.Seed)
	v.SetDefault("clustering.funding_boost", clusterDefaults.FundingBoost)

	v.SetDefault("ethereum.enabled", false)
	v.SetDefault("ethereum.rpc_url", "https://polygon-rpc.com")
	// USDC.e on Polygon, the collateral token of the CTF exchange.
	v.SetDefault("ethereum.funding_token", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	v.SetDefault("ethereum.token_decimals", 6)
	v.SetDefault("ethereum.from_block", uint64(4_023_686))
	v.SetDefault("ethereum.block_span", funding.DefaultBlockSpan)
	v.SetDefault("ethereum.lookback_blocks", funding.DefaultLookback)
	v.SetDefault("ethereum.request_timeout", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_insider_score", 75.0)
	v.SetDefault("alerting.min_cluster_confidence", 0.7)
	v.SetDefault("alerting.cooldown", "24h")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.max_per_run", 10)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.username", "polysybil")

	v.SetDefault("export.max_rows", 100000)
	v.SetDefault("export.histogram_buckets", 20)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scoring.Workers <= 0 {
		return fmt.Errorf("scoring.workers must be greater than zero")
	}
	if c.Scoring.BatchSize <= 0 {
		return fmt.Errorf("scoring.batch_size must be greater than zero")
	}
	if err := c.ScoringOptions().Validate(); err != nil {
		return err
	}
	if err := c.GraphOptions().Validate(); err != nil {
		return err
	}
	if err := c.ClusterOptions().Validate(); err != nil {
		return err
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Export.HistogramBuckets <= 0 {
		return fmt.Errorf("export.histogram_buckets must be greater than zero")
	}
	if c.Ethereum.Enabled && c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum.rpc_url is required when the funding lookup is enabled")
	}
	if c.Ethereum.Enabled && (c.Ethereum.BlockSpan == 0 || c.Ethereum.LookbackBlocks == 0) {
		return fmt.Errorf("ethereum.block_span and ethereum.lookback_blocks must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Retention > 0 && c.Alerting.Retention < c.Alerting.Cooldown {
		return fmt.Errorf("alerting.retention must not be shorter than alerting.cooldown")
	}
	if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
		return fmt.Errorf("alerting.discord.webhook_url is required")
	}
	return nil
}

// ScoringOptions maps the scoring section onto scorer options.
func (c *Config) ScoringOptions() scoring.Options {
	s := c.Scoring
	return scoring.Options{
		MinTrades:        s.MinTrades,
		ExactLimit:       s.ExactLimit,
		PValueLog10Cap:   s.PValueLog10Cap,
		LeadTimeFloor:    s.LeadTimeFloor,
		LeadTimeCeiling:  s.LeadTimeCeiling,
		VolumeSaturation: s.VolumeSaturation,
		Weights: scoring.Weights{
			PValue:          s.Weights.PValue,
			WinRate:         s.Weights.WinRate,
			LeadTime:        s.Weights.LeadTime,
			SizeCorrelation: s.Weights.SizeCorrelation,
			Volume:          s.Weights.Volume,
		},
	}
}

// GraphOptions maps the clustering section onto graph builder options.
func (c *Config) GraphOptions() graph.Options {
	cl := c.Clustering
	return graph.Options{
		MinInsiderScore:    cl.MinInsiderScore,
		Window:             cl.Window,
		MinEdgeWeight:      cl.MinEdgeWeight,
		MinDegree:          cl.MinDegree,
		SimilarityBonusCap: cl.SimilarityBonusCap,
		MaxEdges:           cl.MaxEdges,
		Workers:            cl.Workers,
	}
}

// ClusterOptions maps the clustering section onto detector options.
func (c *Config) ClusterOptions() cluster.Options {
	cl := c.Clustering
	opts := cluster.DefaultOptions()
	opts.MinClusterSize = cl.MinClusterSize
	opts.MinConfidence = cl.MinConfidence
	opts.Seed = cl.Seed
	opts.FundingBoost = cl.FundingBoost
	return opts
}

// FundingOptions maps the ethereum section onto the chain lookup.
func (c *Config) FundingOptions() funding.Options {
	e := c.Ethereum
	return funding.Options{
		RPCURL:       e.RPCURL,
		TokenAddress: e.FundingToken,
		Decimals:     e.TokenDecimals,
		FromBlock:    e.FromBlock,
		BlockSpan:    e.BlockSpan,
		Lookback:     e.LookbackBlocks,
		Timeout:      e.RequestTimeout,
	}
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}

// MaskSecret hides all but the first and last 4 characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
