package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningLevelConfig describes one escalation step. Delay is measured from
// the last failed payment attempt, not from the previous level.
type DunningLevelConfig struct {
	Level     int           `mapstructure:"level"`
	Enabled   bool          `mapstructure:"enabled"`
	Delay     time.Duration `mapstructure:"delay"`
	EmailType string        `mapstructure:"emailType"`
}

// DunningConfig is the dunning/automation policy read by the scheduler on
// every tick. It is injected explicitly; nothing in the engine reads
// ambient global state.
type DunningConfig struct {
	AutomationEnabled bool                 `mapstructure:"automationEnabled"`
	MaxEmailsPerDay   int                  `mapstructure:"maxEmailsPerDay"`
	ExcludedRoles     []string             `mapstructure:"excludedRoles"`
	MinimumAmount     int64                `mapstructure:"minimumAmount"`
	ReminderDays      []int                `mapstructure:"reminderDays"`
	Levels            []DunningLevelConfig `mapstructure:"levels"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		AutomationEnabled: true,
		MaxEmailsPerDay:   500,
		ExcludedRoles:     nil,
		MinimumAmount:     0,
		ReminderDays:      []int{3, 1},
		Levels: []DunningLevelConfig{
			{Level: 1, Enabled: true, Delay: 0, EmailType: "payment_failed_notice"},
			{Level: 2, Enabled: true, Delay: 72 * time.Hour, EmailType: "payment_reminder"},
			{Level: 3, Enabled: true, Delay: 168 * time.Hour, EmailType: "final_warning"},
			{Level: 4, Enabled: true, Delay: 240 * time.Hour, EmailType: "cancellation_notice"},
		},
	}
}

// TerminalLevel returns the highest configured level; reaching it cancels
// the subscription.
func (c DunningConfig) TerminalLevel() int {
	max := 0
	for _, lvl := range c.Levels {
		if lvl.Level > max {
			max = lvl.Level
		}
	}
	return max
}

// LevelFor returns the config for the given level, if present.
func (c DunningConfig) LevelFor(level int) (DunningLevelConfig, bool) {
	for _, lvl := range c.Levels {
		if lvl.Level == level {
			return lvl, true
		}
	}
	return DunningLevelConfig{}, false
}

// RoleExcluded reports whether the given user role is excluded from
// automated dunning emails.
func (c DunningConfig) RoleExcluded(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false
	}
	for _, excluded := range c.ExcludedRoles {
		if strings.EqualFold(strings.TrimSpace(excluded), role) {
			return true
		}
	}
	return false
}

// DunningConfigHolder stores the active policy and swaps it atomically on
// config file changes.
type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/pointsbilling/config")
	v.AddConfigPath("/etc/pointsbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POINTSBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &DunningConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultDunningConfig())
		return holder, nil
	}

	cfg, err := unmarshalDunning(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalDunning(v)
		if err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningConfigHolder wraps a fixed policy; used by tests.
func NewStaticDunningConfigHolder(cfg DunningConfig) *DunningConfigHolder {
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func unmarshalDunning(v *viper.Viper) (DunningConfig, error) {
	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return DunningConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := validateDunningConfig(cfg); err != nil {
		return DunningConfig{}, err
	}
	return cfg, nil
}

func (c DunningConfig) withDefaults() DunningConfig {
	defaults := DefaultDunningConfig()
	if len(c.Levels) == 0 {
		c.Levels = defaults.Levels
	}
	if len(c.ReminderDays) == 0 {
		c.ReminderDays = defaults.ReminderDays
	}
	if c.MaxEmailsPerDay <= 0 {
		c.MaxEmailsPerDay = defaults.MaxEmailsPerDay
	}
	sort.Slice(c.Levels, func(i, j int) bool { return c.Levels[i].Level < c.Levels[j].Level })
	return c
}

func validateDunningConfig(cfg DunningConfig) error {
	if len(cfg.Levels) == 0 {
		return errors.New("dunning.levels cannot be empty")
	}
	seen := map[int]bool{}
	var lastDelay time.Duration
	for _, lvl := range cfg.Levels {
		if lvl.Level < 1 {
			return errors.New("dunning level must be >= 1")
		}
		if seen[lvl.Level] {
			return errors.New("duplicate dunning level")
		}
		seen[lvl.Level] = true
		if lvl.Delay < lastDelay {
			return errors.New("dunning level delays must be non-decreasing")
		}
		lastDelay = lvl.Delay
	}
	return nil
}
