// Package config provides configuration management for the trading platform.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalization when the config file omits a key.
const (
	defaultMaxDailyLoss        = 2000.0
	defaultWarningThresholdPct = 0.75
	defaultMaxPositions        = 5
	defaultMaxSectorExposure   = 40.0
	defaultExecuteTopN         = 3
	defaultUniverseSize        = 200
	defaultScanSample          = 500
	defaultScanBatch           = 100
	defaultScanFrequencyMin    = 30
	defaultMonitorIntervalSec  = 300
	defaultRiskTickSeconds     = 60
	defaultMaxAdvisorCalls     = 5
	defaultBrokerTimeout       = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Risk      RiskConfig      `yaml:"risk"`
	Positions PositionsConfig `yaml:"positions"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Filters   FiltersConfig   `yaml:"filters"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Server    ServerConfig    `yaml:"server"`
}

// SessionConfig defines run mode and logging.
type SessionConfig struct {
	Mode     string `yaml:"mode"`      // autonomous | supervised | paper
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials come from the
// environment and are expanded into the YAML via ${VAR} references.
type BrokerConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	// RateLimitPerMinute caps outbound request volume; the scanner samples
	// the universe to stay inside it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// StorageConfig defines the sqlite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RiskConfig defines pre-trade and continuous risk limits.
type RiskConfig struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	WarningThresholdPct  float64 `yaml:"warning_threshold_pct"`
	MaxPositions         int     `yaml:"max_positions"`
	MaxPositionSize      float64 `yaml:"max_position_size"`
	MaxSectorExposurePct float64 `yaml:"max_sector_exposure_pct"`
	TotalRiskBudget      float64 `yaml:"total_risk_budget"`
	MonitorIntervalSec   int     `yaml:"monitor_interval_seconds"`
}

// PositionsConfig defines default position policy.
type PositionsConfig struct {
	DefaultStopLossPct    float64 `yaml:"default_stop_loss_pct"`
	DefaultTakeProfitPct  float64 `yaml:"default_take_profit_pct"`
	MaxHoldTimeMinutes    int     `yaml:"max_hold_time_minutes"`
	CloseAllAtMarketClose bool    `yaml:"close_all_at_market_close"`
}

// WorkflowConfig defines orchestrator pacing and selection.
type WorkflowConfig struct {
	ScanFrequencyMinutes int     `yaml:"scan_frequency_minutes"`
	ExecuteTopN          int     `yaml:"execute_top_n"`
	MinConfidenceScore   float64 `yaml:"min_confidence_score"`
	InitialUniverseSize  int     `yaml:"initial_universe_size"`
	ScanSampleSize       int     `yaml:"scan_sample_size"`
	ScanBatchSize        int     `yaml:"scan_batch_size"`
	MinPrice             float64 `yaml:"min_price"`
	MaxPrice             float64 `yaml:"max_price"`
}

// StageConfig is the per-filter-stage policy. When a stage is enabled but not
// required and its signal source fails, candidates keep FallbackScore and
// pass through instead of being dropped.
type StageConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Required      bool    `yaml:"required"`
	FallbackScore float64 `yaml:"fallback_score"`
	Threshold     float64 `yaml:"threshold"`
}

// FiltersConfig groups the three filter stages.
type FiltersConfig struct {
	News      StageConfig `yaml:"news"`
	Pattern   StageConfig `yaml:"pattern"`
	Technical StageConfig `yaml:"technical"`
}

// MonitorConfig defines position-monitor cadence and exit thresholds.
type MonitorConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	TrailPct             float64 `yaml:"trail_pct"`
	StopLossStrongPct    float64 `yaml:"stop_loss_strong_pct"`
	TakeProfitStrongPct  float64 `yaml:"take_profit_strong_pct"`
	MaxAdvisorCalls      int     `yaml:"max_advisor_calls"`
	ClosingWindowMinutes int     `yaml:"closing_window_minutes"`
}

// ExchangeConfig parameterizes exchange-specific constants instead of code
// branches (US vs HKEX tick sizes, lunch break, TIF defaults).
type ExchangeConfig struct {
	Timezone   string  `yaml:"timezone"`
	Open       string  `yaml:"open"`
	Close      string  `yaml:"close"`
	LunchStart string  `yaml:"lunch_start"`
	LunchEnd   string  `yaml:"lunch_end"`
	TickSize   float64 `yaml:"tick_size"`
	EntryTIF   string  `yaml:"entry_tif"`
}

// AlertsConfig defines the outbound alert mailbox.
type AlertsConfig struct {
	MailboxSize int `yaml:"mailbox_size"`
}

// ServerConfig defines the read-only status HTTP server.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads, expands, parses, normalizes, and validates the configuration
// file. A missing file is not an error: documented defaults apply.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var config Config
	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Absent file: run on defaults.
	} else {
		expanded := os.ExpandEnv(string(data))
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// normalize fills documented defaults for any keys the file omitted.
func (c *Config) normalize() {
	if c.Session.Mode == "" {
		c.Session.Mode = "paper"
	}
	if c.Session.LogLevel == "" {
		c.Session.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "alpaca"
	}
	if c.Broker.Timeout <= 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Broker.RateLimitPerMinute <= 0 {
		c.Broker.RateLimitPerMinute = 200
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/daytrader.db"
	}
	if c.Risk.MaxDailyLoss <= 0 {
		c.Risk.MaxDailyLoss = defaultMaxDailyLoss
	}
	if c.Risk.WarningThresholdPct <= 0 {
		c.Risk.WarningThresholdPct = defaultWarningThresholdPct
	}
	if c.Risk.MaxPositions <= 0 {
		c.Risk.MaxPositions = defaultMaxPositions
	}
	if c.Risk.MaxSectorExposurePct <= 0 {
		c.Risk.MaxSectorExposurePct = defaultMaxSectorExposure
	}
	if c.Risk.TotalRiskBudget <= 0 {
		c.Risk.TotalRiskBudget = c.Risk.MaxDailyLoss
	}
	if c.Risk.MonitorIntervalSec <= 0 {
		c.Risk.MonitorIntervalSec = defaultRiskTickSeconds
	}
	if c.Positions.DefaultStopLossPct <= 0 {
		c.Positions.DefaultStopLossPct = 3.0
	}
	if c.Positions.DefaultTakeProfitPct <= 0 {
		c.Positions.DefaultTakeProfitPct = 10.0
	}
	if c.Workflow.ScanFrequencyMinutes <= 0 {
		c.Workflow.ScanFrequencyMinutes = defaultScanFrequencyMin
	}
	if c.Workflow.ExecuteTopN <= 0 {
		c.Workflow.ExecuteTopN = defaultExecuteTopN
	}
	if c.Workflow.InitialUniverseSize <= 0 {
		c.Workflow.InitialUniverseSize = defaultUniverseSize
	}
	if c.Workflow.ScanSampleSize <= 0 {
		c.Workflow.ScanSampleSize = defaultScanSample
	}
	if c.Workflow.ScanBatchSize <= 0 {
		c.Workflow.ScanBatchSize = defaultScanBatch
	}
	if c.Workflow.MinPrice <= 0 {
		c.Workflow.MinPrice = 1.0
	}
	if c.Workflow.MaxPrice <= 0 {
		c.Workflow.MaxPrice = 500.0
	}
	c.Filters.News.normalize(0.5)
	c.Filters.Pattern.normalize(0.5)
	c.Filters.Technical.normalize(0.5)
	if c.Monitor.CheckIntervalSeconds <= 0 {
		c.Monitor.CheckIntervalSeconds = defaultMonitorIntervalSec
	}
	if c.Monitor.TrailPct <= 0 {
		c.Monitor.TrailPct = 3.0
	}
	if c.Monitor.StopLossStrongPct <= 0 {
		c.Monitor.StopLossStrongPct = 5.0
	}
	if c.Monitor.TakeProfitStrongPct <= 0 {
		c.Monitor.TakeProfitStrongPct = 10.0
	}
	if c.Monitor.MaxAdvisorCalls <= 0 {
		c.Monitor.MaxAdvisorCalls = defaultMaxAdvisorCalls
	}
	if c.Monitor.ClosingWindowMinutes <= 0 {
		c.Monitor.ClosingWindowMinutes = 15
	}
	if c.Exchange.Timezone == "" {
		c.Exchange.Timezone = "America/New_York"
	}
	if c.Exchange.Open == "" {
		c.Exchange.Open = "09:30"
	}
	if c.Exchange.Close == "" {
		c.Exchange.Close = "16:00"
	}
	if c.Exchange.TickSize <= 0 {
		c.Exchange.TickSize = 0.01
	}
	if c.Exchange.EntryTIF == "" {
		c.Exchange.EntryTIF = "day"
	}
	if c.Alerts.MailboxSize <= 0 {
		c.Alerts.MailboxSize = 256
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 9410
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Session.Mode {
	case "autonomous", "supervised", "paper":
	default:
		return fmt.Errorf("session.mode must be autonomous, supervised, or paper")
	}

	if c.Risk.WarningThresholdPct >= 1.0 {
		return fmt.Errorf("risk.warning_threshold_pct must be < 1.0 (fraction of max_daily_loss)")
	}
	if c.Risk.MaxSectorExposurePct > 100 {
		return fmt.Errorf("risk.max_sector_exposure_pct must be <= 100")
	}
	if c.Workflow.MinPrice >= c.Workflow.MaxPrice {
		return fmt.Errorf("workflow.min_price must be < workflow.max_price")
	}
	if c.Workflow.ExecuteTopN > c.Risk.MaxPositions {
		return fmt.Errorf("workflow.execute_top_n (%d) must be <= risk.max_positions (%d)",
			c.Workflow.ExecuteTopN, c.Risk.MaxPositions)
	}
	for name, st := range map[string]StageConfig{
		"news": c.Filters.News, "pattern": c.Filters.Pattern, "technical": c.Filters.Technical,
	} {
		if st.FallbackScore < 0 || st.FallbackScore > 1 {
			return fmt.Errorf("filters.%s.fallback_score must be in [0,1]", name)
		}
		if st.Threshold < 0 || st.Threshold > 1 {
			return fmt.Errorf("filters.%s.threshold must be in [0,1]", name)
		}
	}
	if c.Monitor.TrailPct >= c.Monitor.StopLossStrongPct {
		return fmt.Errorf("monitor.trail_pct (%.1f) must be < monitor.stop_loss_strong_pct (%.1f)",
			c.Monitor.TrailPct, c.Monitor.StopLossStrongPct)
	}
	switch c.Exchange.EntryTIF {
	case "day", "gtc":
	default:
		return fmt.Errorf("exchange.entry_tif must be day or gtc")
	}
	if _, err := time.Parse("15:04", c.Exchange.Open); err != nil {
		return fmt.Errorf("exchange.open invalid: %w", err)
	}
	if _, err := time.Parse("15:04", c.Exchange.Close); err != nil {
		return fmt.Errorf("exchange.close invalid: %w", err)
	}
	return nil
}

func (s *StageConfig) normalize(fallback float64) {
	if s.FallbackScore == 0 {
		s.FallbackScore = fallback
	}
}

// IsPaperTrading returns true when no real money is at risk.
func (c *Config) IsPaperTrading() bool {
	return c.Session.Mode == "paper"
}

// MonitorInterval returns the position-monitor tick interval.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.CheckIntervalSeconds) * time.Second
}

// RiskInterval returns the risk-monitor tick interval.
func (c *Config) RiskInterval() time.Duration {
	return time.Duration(c.Risk.MonitorIntervalSec) * time.Second
}
