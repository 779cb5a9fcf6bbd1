package computepool

import (
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/httprunner/ComputePool/internal/config"
	"github.com/httprunner/ComputePool/internal/health"
	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/internal/signaling"
)

// Config controls Hub and Server behavior.
type Config struct {
	Addr       string
	OutboxSize int

	HealthInterval time.Duration
	HealthTimeout  time.Duration

	RelayRatePerSec int
	RelayBurst      int
	ICEServers      []webrtc.ICEServer

	PoolDefaults pools.Config

	AssignLimit  int
	AssignWindow time.Duration

	// JournalPath enables the SQLite event journal when non-empty.
	JournalPath string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultServerAddr,
		OutboxSize:      DefaultOutboxSize,
		HealthInterval:  health.DefaultInterval,
		HealthTimeout:   health.DefaultTimeout,
		RelayRatePerSec: 50,
		RelayBurst:      100,
		ICEServers:      signaling.NewICEServers(nil, "", ""),
		PoolDefaults:    pools.DefaultConfig(),
		AssignLimit:     0,
		AssignWindow:    time.Minute,
	}
}

// ConfigFromEnv overlays environment variables on DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Addr = config.String(EnvServerAddr, cfg.Addr)
	cfg.OutboxSize = config.Int(EnvSessionOutboxSize, cfg.OutboxSize)
	cfg.HealthInterval = config.Duration(EnvHealthSweepInterval, cfg.HealthInterval)
	cfg.HealthTimeout = config.Duration(EnvHealthTimeout, cfg.HealthTimeout)
	cfg.RelayRatePerSec = config.Int(EnvRelayRatePerSec, cfg.RelayRatePerSec)
	cfg.RelayBurst = config.Int(EnvRelayBurst, cfg.RelayBurst)
	cfg.ICEServers = signaling.NewICEServers(
		config.Strings(EnvICEServers, nil),
		config.String(EnvTURNUsername, ""),
		config.String(EnvTURNCredential, ""),
	)
	cfg.PoolDefaults = pools.Config{
		MaxDevices:         config.Int(EnvPoolDefaultMaxDevices, cfg.PoolDefaults.MaxDevices),
		MinDevices:         config.Int(EnvPoolDefaultMinDevices, cfg.PoolDefaults.MinDevices),
		TaskTypes:          config.Strings(EnvPoolDefaultTaskTypes, cfg.PoolDefaults.TaskTypes),
		ConsensusThreshold: config.Float(EnvPoolDefaultConsensus, cfg.PoolDefaults.ConsensusThreshold),
	}.WithDefaults(pools.DefaultConfig())
	cfg.AssignLimit = config.Int(EnvTaskAssignLimit, cfg.AssignLimit)
	cfg.AssignWindow = config.Duration(EnvTaskAssignWindow, cfg.AssignWindow)
	cfg.JournalPath = config.String(EnvJournalDBPath, "")
	if config.Bool(EnvJournalDisabled, false) {
		cfg.JournalPath = ""
	}
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = def.HealthTimeout
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = def.ICEServers
	}
	c.PoolDefaults = c.PoolDefaults.WithDefaults(def.PoolDefaults)
	return c
}
