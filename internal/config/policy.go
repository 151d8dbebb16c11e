package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Weights are the scoring weights applied to region sub-scores.
type Weights struct {
	Carbon       float64 `mapstructure:"carbon" json:"carbon"`
	Cost         float64 `mapstructure:"cost" json:"cost"`
	Latency      float64 `mapstructure:"latency" json:"latency"`
	Availability float64 `mapstructure:"availability" json:"availability"`
}

// IsZero reports whether no weight has been set.
func (w Weights) IsZero() bool {
	return w.Carbon == 0 && w.Cost == 0 && w.Latency == 0 && w.Availability == 0
}

// ClassOverride adjusts a workload class's scheduling parameters.
// Nil fields keep the built-in value.
type ClassOverride struct {
	MaxDelayMinutes     *int     `mapstructure:"maxDelayMinutes" json:"maxDelayMinutes,omitempty"`
	ThresholdGCO2PerKWh *float64 `mapstructure:"thresholdGCO2PerKWh" json:"thresholdGCO2PerKWh,omitempty"`
	MinRenewablePct     *float64 `mapstructure:"minRenewablePct" json:"minRenewablePct,omitempty"`
}

// PolicyConfig is the dynamic scheduling policy. Version is stamped by the
// holder on every successful (re)load; it is not read from the file.
type PolicyConfig struct {
	Version int64 `mapstructure:"-" json:"version"`

	Weights Weights                  `mapstructure:"weights" json:"weights"`
	Classes map[string]ClassOverride `mapstructure:"classes" json:"classes,omitempty"`

	StalenessBound   time.Duration `mapstructure:"stalenessBound" json:"stalenessBound"`
	SnapshotCacheTTL time.Duration `mapstructure:"snapshotCacheTTL" json:"snapshotCacheTTL"`
	ScaleUpStreak    int           `mapstructure:"scaleUpStreak" json:"scaleUpStreak"`
	DefaultAlertPct  float64       `mapstructure:"defaultAlertPct" json:"defaultAlertPct"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Weights: Weights{
			Carbon:       0.5,
			Cost:         0.2,
			Latency:      0.2,
			Availability: 0.1,
		},
		StalenessBound:   30 * time.Minute,
		SnapshotCacheTTL: 15 * time.Second,
		ScaleUpStreak:    3,
		DefaultAlertPct:  80,
	}
}

func (c *PolicyConfig) applyDefaults() {
	defaults := DefaultPolicyConfig()
	if c.Weights.IsZero() {
		c.Weights = defaults.Weights
	}
	if c.StalenessBound <= 0 {
		c.StalenessBound = defaults.StalenessBound
	}
	if c.SnapshotCacheTTL <= 0 {
		c.SnapshotCacheTTL = defaults.SnapshotCacheTTL
	}
	if c.ScaleUpStreak <= 0 {
		c.ScaleUpStreak = defaults.ScaleUpStreak
	}
	if c.DefaultAlertPct <= 0 {
		c.DefaultAlertPct = defaults.DefaultAlertPct
	}
}

// PolicyHolder exposes the current PolicyConfig and hot-reloads it from disk.
type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
	version atomic.Int64
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yaml")
	if path := strings.TrimSpace(os.Getenv("POLICY_CONFIG_PATH")); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/var/lib/verdant/config") // Volume-mounted config
	v.AddConfigPath("/etc/verdant")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// no policy file: the built-in defaults apply
		fileFound = false
	}

	cfg := DefaultPolicyConfig()
	if fileFound {
		if err := v.UnmarshalKey("policy", &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := DefaultPolicyConfig()
			if err := v.UnmarshalKey("policy", &updated); err != nil {
				log.Printf("[policy-config] reload failed: %v", err)
				return
			}
			if version, ok := holder.apply(updated); ok {
				log.Printf("[policy-config] reloaded from %s (version %d)", e.Name, version)
			}
		})
	}

	return holder, nil
}

// NewStaticPolicyHolder returns a holder pinned to the given config. It
// never watches a file.
func NewStaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	cfg.applyDefaults()
	holder := &PolicyHolder{}
	holder.store(cfg)
	return holder
}

// Current returns the active policy snapshot. Callers must capture it once
// per evaluation pass so a decision is reproducible against one version.
func (h *PolicyHolder) Current() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

// apply validates and installs an updated config, bumping the version.
// Invalid updates are ignored and the previous config stays active.
func (h *PolicyHolder) apply(updated PolicyConfig) (int64, bool) {
	updated.applyDefaults()
	if err := validatePolicyConfig(updated); err != nil {
		log.Printf("[policy-config] invalid config ignored: %v", err)
		return 0, false
	}
	h.store(updated)
	return h.Current().Version, true
}

func (h *PolicyHolder) store(cfg PolicyConfig) {
	cfg.Version = h.version.Add(1)
	h.current.Store(cfg)
}

func validatePolicyConfig(cfg PolicyConfig) error {
	w := cfg.Weights
	if w.Carbon < 0 || w.Cost < 0 || w.Latency < 0 || w.Availability < 0 {
		return errors.New("policy.weights must be non-negative")
	}
	if w.IsZero() {
		return errors.New("policy.weights must have at least one positive weight")
	}
	for name, override := range cfg.Classes {
		if override.MaxDelayMinutes != nil && *override.MaxDelayMinutes < 0 {
			return errors.New("policy.classes." + name + ".maxDelayMinutes must be >= 0")
		}
		if override.ThresholdGCO2PerKWh != nil && *override.ThresholdGCO2PerKWh <= 0 {
			return errors.New("policy.classes." + name + ".thresholdGCO2PerKWh must be > 0")
		}
		if override.MinRenewablePct != nil && (*override.MinRenewablePct < 0 || *override.MinRenewablePct > 100) {
			return errors.New("policy.classes." + name + ".minRenewablePct must be within [0,100]")
		}
	}
	if cfg.StalenessBound <= 0 {
		return errors.New("policy.stalenessBound must be > 0")
	}
	if cfg.ScaleUpStreak < 1 {
		return errors.New("policy.scaleUpStreak must be >= 1")
	}
	if cfg.DefaultAlertPct <= 0 || cfg.DefaultAlertPct > 100 {
		return errors.New("policy.defaultAlertPct must be within (0,100]")
	}
	return nil
}
