package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/sentinel/pkg/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the on-disk configuration of the recovery stack
type Config struct {
	Log         log.Config  `yaml:"log"`
	Coordinator Coordinator `yaml:"coordinator"`
	Engine      Engine      `yaml:"engine"`
	Monitor     Monitor     `yaml:"monitor"`
	NetSwitch   NetSwitch   `yaml:"netswitch"`
	CoreReset   CoreReset   `yaml:"corereset"`
	Storage     Storage     `yaml:"storage"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Coordinator configures the recovery request scheduler
type Coordinator struct {
	CoalesceWindow         time.Duration `yaml:"coalesce_window"`
	RestartCooldown        time.Duration `yaml:"restart_cooldown"`
	DeepRecoveryCooldown   time.Duration `yaml:"deep_recovery_cooldown"`
	CooldownExemptKeywords []string      `yaml:"cooldown_exempt_keywords"`
	VerifyAfterRecover     bool          `yaml:"verify_after_recover"`
	VerifyDelay            time.Duration `yaml:"verify_delay"`
	VerifyURL              string        `yaml:"verify_url"`
	VerifyTimeout          time.Duration `yaml:"verify_timeout"`
	NetworkBumpCooldown    time.Duration `yaml:"network_bump_cooldown"`
	BumpEscalationDelay    time.Duration `yaml:"bump_escalation_delay"`
	IdentityCloseCooldown  time.Duration `yaml:"identity_close_cooldown"`
	MaxIdentityRecords     int           `yaml:"max_identity_records"`
}

// RateLimit bounds how often the engine may trigger recovery
type RateLimit struct {
	MaxRecoveries int           `yaml:"max_recoveries"`
	Window        time.Duration `yaml:"window"`
	MinInterval   time.Duration `yaml:"min_interval"`
}

// Traffic configures the upload-only stall detector
type Traffic struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	MinUploadBytes int64         `yaml:"min_upload_bytes"`
	DownloadRatio  float64       `yaml:"download_ratio"`
	StallDuration  time.Duration `yaml:"stall_duration"`
	IdleMaxAge     time.Duration `yaml:"idle_max_age"`
}

// Engine configures the decision loop
type Engine struct {
	Enabled              bool          `yaml:"enabled"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	RecoverThreshold     int           `yaml:"recover_threshold"`
	WaitThreshold        int           `yaml:"wait_threshold"`
	FullModeThreshold    int           `yaml:"full_mode_threshold"`
	StaleWeight          int           `yaml:"stale_weight"`
	FlakyStaleCount      int           `yaml:"flaky_stale_count"`
	FlakyPenalty         int           `yaml:"flaky_penalty"`
	FastRecoveryBonus    int           `yaml:"fast_recovery_bonus"`
	FastRecoveryInterval time.Duration `yaml:"fast_recovery_interval"`
	MaxBehaviors         int           `yaml:"max_behaviors"`
	HistorySize          int           `yaml:"history_size"`
	RateLimit            RateLimit     `yaml:"rate_limit"`
	Traffic              Traffic       `yaml:"traffic"`
}

// Monitor configures the connection health sampler
type Monitor struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ConfirmTicks      int           `yaml:"confirm_ticks"`
	ErrorPenalty      int           `yaml:"error_penalty"`
	ConnectionLimit   int           `yaml:"connection_limit"`
	ConnectionPenalty int           `yaml:"connection_penalty"`

	// PreciseRecovery closes only the confirmed-stale identities' connections
	// instead of requesting a quick recovery of the whole tunnel
	PreciseRecovery bool `yaml:"precise_recovery"`
}

// Probe modes for the post-switch health check
const (
	ProbeTCP = "tcp"
	ProbeDNS = "dns"
)

// NetSwitch configures physical network change handling
type NetSwitch struct {
	Enabled               bool          `yaml:"enabled"`
	StartupWindow         time.Duration `yaml:"startup_window"`
	StartupSlack          time.Duration `yaml:"startup_slack"`
	MinSwitchInterval     time.Duration `yaml:"min_switch_interval"`
	AggregateDelay        time.Duration `yaml:"aggregate_delay"`
	SettleDelay           time.Duration `yaml:"settle_delay"`
	ResetConnectionsDelay time.Duration `yaml:"reset_connections_delay"`
	ValidationTimeout     time.Duration `yaml:"validation_timeout"`
	ValidationPoll        time.Duration `yaml:"validation_poll"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ProbeMode             string        `yaml:"probe_mode"`
	ProbeTargets          []string      `yaml:"probe_targets"`
	BumpHold              time.Duration `yaml:"bump_hold"`
}

// CoreReset configures the debounced core network reset manager
type CoreReset struct {
	Debounce         time.Duration `yaml:"debounce"`
	ForceMinInterval time.Duration `yaml:"force_min_interval"`
	ForceCloseWait   time.Duration `yaml:"force_close_wait"`
	FailureThreshold int           `yaml:"failure_threshold"`
	EscalateAfter    time.Duration `yaml:"escalate_after"`
	RestartCooldown  time.Duration `yaml:"restart_cooldown"`
}

// Storage configures persistence of learned behaviour
type Storage struct {
	Enabled      bool   `yaml:"enabled"`
	DataDir      string `yaml:"data_dir"`
	MaxDecisions int    `yaml:"max_decisions"`
}

// Metrics configures the HTTP observability endpoint
type Metrics struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: log.Config{Level: log.InfoLevel},
		Coordinator: Coordinator{
			CoalesceWindow:        100 * time.Millisecond,
			RestartCooldown:       120 * time.Second,
			DeepRecoveryCooldown:  30 * time.Second,
			VerifyAfterRecover:    true,
			VerifyDelay:           500 * time.Millisecond,
			VerifyTimeout:         5 * time.Second,
			NetworkBumpCooldown:   2 * time.Second,
			BumpEscalationDelay:   time.Second,
			IdentityCloseCooldown: time.Second,
			MaxIdentityRecords:    256,
		},
		Engine: Engine{
			Enabled:              true,
			TickInterval:         5 * time.Second,
			RecoverThreshold:     70,
			WaitThreshold:        50,
			FullModeThreshold:    90,
			StaleWeight:          20,
			FlakyStaleCount:      5,
			FlakyPenalty:         10,
			FastRecoveryBonus:    5,
			FastRecoveryInterval: 60 * time.Second,
			MaxBehaviors:         1024,
			HistorySize:          100,
			RateLimit: RateLimit{
				MaxRecoveries: 6,
				Window:        60 * time.Second,
				MinInterval:   10 * time.Second,
			},
			Traffic: Traffic{
				Enabled:        true,
				SampleInterval: 10 * time.Second,
				MinUploadBytes: 50,
				DownloadRatio:  0.1,
				StallDuration:  30 * time.Second,
				IdleMaxAge:     30 * time.Second,
			},
		},
		Monitor: Monitor{
			Enabled:           true,
			Interval:          5 * time.Second,
			StaleAfter:        30 * time.Second,
			ConfirmTicks:      3,
			ErrorPenalty:      10,
			ConnectionLimit:   100,
			ConnectionPenalty: 20,
			PreciseRecovery:   true,
		},
		NetSwitch: NetSwitch{
			Enabled:               true,
			StartupWindow:         time.Second,
			StartupSlack:          100 * time.Millisecond,
			MinSwitchInterval:     500 * time.Millisecond,
			AggregateDelay:        300 * time.Millisecond,
			SettleDelay:           200 * time.Millisecond,
			ResetConnectionsDelay: 100 * time.Millisecond,
			ValidationTimeout:     2 * time.Second,
			ValidationPoll:        200 * time.Millisecond,
			ProbeTimeout:          2 * time.Second,
			ProbeMode:             ProbeTCP,
			ProbeTargets:          []string{"1.1.1.1:53", "8.8.8.8:53", "223.5.5.5:53"},
			BumpHold:              200 * time.Millisecond,
		},
		CoreReset: CoreReset{
			Debounce:         500 * time.Millisecond,
			ForceMinInterval: 100 * time.Millisecond,
			ForceCloseWait:   150 * time.Millisecond,
			FailureThreshold: 3,
			EscalateAfter:    30 * time.Second,
			RestartCooldown:  120 * time.Second,
		},
		Storage: Storage{
			DataDir:      "./data",
			MaxDecisions: 1000,
		},
		Metrics: Metrics{
			Enabled:         true,
			Addr:            "127.0.0.1:9090",
			CollectInterval: 15 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate replaces unset durations and counts with defaults and rejects
// contradictory settings
func (c *Config) Validate() error {
	d := Default()

	fillDuration(&c.Coordinator.CoalesceWindow, d.Coordinator.CoalesceWindow)
	fillDuration(&c.Coordinator.RestartCooldown, d.Coordinator.RestartCooldown)
	fillDuration(&c.Coordinator.DeepRecoveryCooldown, d.Coordinator.DeepRecoveryCooldown)
	fillDuration(&c.Coordinator.VerifyDelay, d.Coordinator.VerifyDelay)
	fillDuration(&c.Coordinator.VerifyTimeout, d.Coordinator.VerifyTimeout)
	fillDuration(&c.Coordinator.NetworkBumpCooldown, d.Coordinator.NetworkBumpCooldown)
	fillDuration(&c.Coordinator.BumpEscalationDelay, d.Coordinator.BumpEscalationDelay)
	fillDuration(&c.Coordinator.IdentityCloseCooldown, d.Coordinator.IdentityCloseCooldown)
	fillInt(&c.Coordinator.MaxIdentityRecords, d.Coordinator.MaxIdentityRecords)

	fillDuration(&c.Engine.TickInterval, d.Engine.TickInterval)
	fillDuration(&c.Engine.FastRecoveryInterval, d.Engine.FastRecoveryInterval)
	fillDuration(&c.Engine.RateLimit.Window, d.Engine.RateLimit.Window)
	fillDuration(&c.Engine.RateLimit.MinInterval, d.Engine.RateLimit.MinInterval)
	fillDuration(&c.Engine.Traffic.SampleInterval, d.Engine.Traffic.SampleInterval)
	fillDuration(&c.Engine.Traffic.StallDuration, d.Engine.Traffic.StallDuration)
	fillDuration(&c.Engine.Traffic.IdleMaxAge, d.Engine.Traffic.IdleMaxAge)
	fillInt(&c.Engine.MaxBehaviors, d.Engine.MaxBehaviors)
	fillInt(&c.Engine.HistorySize, d.Engine.HistorySize)
	fillInt(&c.Engine.RateLimit.MaxRecoveries, d.Engine.RateLimit.MaxRecoveries)

	fillDuration(&c.Monitor.Interval, d.Monitor.Interval)
	fillDuration(&c.Monitor.StaleAfter, d.Monitor.StaleAfter)
	fillInt(&c.Monitor.ConfirmTicks, d.Monitor.ConfirmTicks)
	fillInt(&c.Monitor.ConnectionLimit, d.Monitor.ConnectionLimit)

	fillDuration(&c.NetSwitch.StartupWindow, d.NetSwitch.StartupWindow)
	fillDuration(&c.NetSwitch.MinSwitchInterval, d.NetSwitch.MinSwitchInterval)
	fillDuration(&c.NetSwitch.AggregateDelay, d.NetSwitch.AggregateDelay)
	fillDuration(&c.NetSwitch.ValidationTimeout, d.NetSwitch.ValidationTimeout)
	fillDuration(&c.NetSwitch.ValidationPoll, d.NetSwitch.ValidationPoll)
	fillDuration(&c.NetSwitch.ProbeTimeout, d.NetSwitch.ProbeTimeout)
	fillDuration(&c.NetSwitch.BumpHold, d.NetSwitch.BumpHold)
	if c.NetSwitch.ProbeMode == "" {
		c.NetSwitch.ProbeMode = d.NetSwitch.ProbeMode
	}

	fillDuration(&c.CoreReset.Debounce, d.CoreReset.Debounce)
	fillDuration(&c.CoreReset.ForceMinInterval, d.CoreReset.ForceMinInterval)
	fillDuration(&c.CoreReset.EscalateAfter, d.CoreReset.EscalateAfter)
	fillDuration(&c.CoreReset.RestartCooldown, d.CoreReset.RestartCooldown)
	fillInt(&c.CoreReset.FailureThreshold, d.CoreReset.FailureThreshold)

	fillInt(&c.Storage.MaxDecisions, d.Storage.MaxDecisions)
	fillDuration(&c.Metrics.CollectInterval, d.Metrics.CollectInterval)

	e := c.Engine
	switch {
	case !inPercent(e.RecoverThreshold) || !inPercent(e.WaitThreshold) || !inPercent(e.FullModeThreshold):
		return fmt.Errorf("%w: engine thresholds must be within 0..100", ErrInvalid)
	case e.RecoverThreshold <= e.WaitThreshold:
		return fmt.Errorf("%w: engine.recover_threshold (%d) must exceed engine.wait_threshold (%d)",
			ErrInvalid, e.RecoverThreshold, e.WaitThreshold)
	case e.Traffic.DownloadRatio < 0 || e.Traffic.DownloadRatio > 1:
		return fmt.Errorf("%w: engine.traffic.download_ratio must be within 0..1", ErrInvalid)
	case c.NetSwitch.ProbeMode != ProbeTCP && c.NetSwitch.ProbeMode != ProbeDNS:
		return fmt.Errorf("%w: netswitch.probe_mode %q (want %q or %q)",
			ErrInvalid, c.NetSwitch.ProbeMode, ProbeTCP, ProbeDNS)
	case c.Storage.Enabled && c.Storage.DataDir == "":
		return fmt.Errorf("%w: storage.data_dir is required when storage is enabled", ErrInvalid)
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if log.ParseLevel(string(c.Log.Level)) != c.Log.Level {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func fillDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func inPercent(v int) bool {
	return v >= 0 && v <= 100
}
