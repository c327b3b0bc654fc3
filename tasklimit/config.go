/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-tasklimit/config"
)

const cfgDefaultKeyPrefix = "taskLimiter"

const (
	cfgKeyName               = "name"
	cfgKeyWorkers            = "workers"
	cfgKeyPerSecond          = "perSecond"
	cfgKeyPerMinute          = "perMinute"
	cfgKeySafetyPriority     = "safetyPriority"
	cfgKeyEscalationPriority = "escalationPriority"
	cfgKeySecondBackoff      = "secondBackoff"
	cfgKeyMinuteBackoff      = "minuteBackoff"
)

// Default configuration values.
const (
	DefaultName               = "default"
	DefaultWorkers            = 1
	DefaultPerSecond          = 10
	DefaultPerMinute          = 100
	DefaultSafetyPriority     = 5
	DefaultEscalationPriority = 20
	DefaultSecondBackoff      = 100 * time.Millisecond
	DefaultMinuteBackoff      = time.Second
)

// Config represents a set of configuration parameters for Limiter.
type Config struct {
	// Name labels the limiter and its quota counters in diagnostics.
	Name string `mapstructure:"name" yaml:"name" json:"name"`

	// Workers is the number of goroutines draining the queue.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`

	// PerSecond and PerMinute are the quotas of task executions per window.
	PerSecond int `mapstructure:"perSecond" yaml:"perSecond" json:"perSecond"`
	PerMinute int `mapstructure:"perMinute" yaml:"perMinute" json:"perMinute"`

	// SafetyPriority is the minimal priority of a task that is retried instead of failed
	// when a quota is exhausted.
	SafetyPriority int `mapstructure:"safetyPriority" yaml:"safetyPriority" json:"safetyPriority"`

	// EscalationPriority is assigned to a task requeued because of the per-minute quota.
	// It is a fixed value and may lower the priority of tasks that were queued above it.
	// It must not be below SafetyPriority, so an escalated task is still retried.
	EscalationPriority int `mapstructure:"escalationPriority" yaml:"escalationPriority" json:"escalationPriority"`

	// SecondBackoff and MinuteBackoff are the delays before a throttled task is requeued.
	SecondBackoff config.TimeDuration `mapstructure:"secondBackoff" yaml:"secondBackoff" json:"secondBackoff"`
	MinuteBackoff config.TimeDuration `mapstructure:"minuteBackoff" yaml:"minuteBackoff" json:"minuteBackoff"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config with the given key prefix ("taskLimiter" if empty).
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Name:               DefaultName,
		Workers:            DefaultWorkers,
		PerSecond:          DefaultPerSecond,
		PerMinute:          DefaultPerMinute,
		SafetyPriority:     DefaultSafetyPriority,
		EscalationPriority: DefaultEscalationPriority,
		SecondBackoff:      config.TimeDuration(DefaultSecondBackoff),
		MinuteBackoff:      config.TimeDuration(DefaultMinuteBackoff),
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyName, DefaultName)
	dp.SetDefault(cfgKeyWorkers, DefaultWorkers)
	dp.SetDefault(cfgKeyPerSecond, DefaultPerSecond)
	dp.SetDefault(cfgKeyPerMinute, DefaultPerMinute)
	dp.SetDefault(cfgKeySafetyPriority, DefaultSafetyPriority)
	dp.SetDefault(cfgKeyEscalationPriority, DefaultEscalationPriority)
	dp.SetDefault(cfgKeySecondBackoff, DefaultSecondBackoff.String())
	dp.SetDefault(cfgKeyMinuteBackoff, DefaultMinuteBackoff.String())
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Name, err = dp.GetString(cfgKeyName); err != nil {
		return err
	}
	if c.Workers, err = dp.GetInt(cfgKeyWorkers); err != nil {
		return err
	}
	if c.PerSecond, err = dp.GetInt(cfgKeyPerSecond); err != nil {
		return err
	}
	if c.PerMinute, err = dp.GetInt(cfgKeyPerMinute); err != nil {
		return err
	}
	if c.SafetyPriority, err = dp.GetInt(cfgKeySafetyPriority); err != nil {
		return err
	}
	if c.EscalationPriority, err = dp.GetInt(cfgKeyEscalationPriority); err != nil {
		return err
	}
	var d time.Duration
	if d, err = dp.GetDuration(cfgKeySecondBackoff); err != nil {
		return err
	}
	c.SecondBackoff = config.TimeDuration(d)
	if d, err = dp.GetDuration(cfgKeyMinuteBackoff); err != nil {
		return err
	}
	c.MinuteBackoff = config.TimeDuration(d)

	return c.validate(dp.WrapKeyErr)
}

// Validate checks that the configuration may be used to create a Limiter.
func (c *Config) Validate() error {
	return c.validate(config.WrapKeyErr)
}

func (c *Config) validate(wrapKeyErr func(key string, err error) error) error {
	if c.Workers <= 0 {
		return wrapKeyErr(cfgKeyWorkers, fmt.Errorf("should be > 0, got %d", c.Workers))
	}
	if c.PerSecond < 0 {
		return wrapKeyErr(cfgKeyPerSecond, fmt.Errorf("should be >= 0, got %d", c.PerSecond))
	}
	if c.PerMinute < 0 {
		return wrapKeyErr(cfgKeyPerMinute, fmt.Errorf("should be >= 0, got %d", c.PerMinute))
	}
	if c.EscalationPriority < c.SafetyPriority {
		return wrapKeyErr(cfgKeyEscalationPriority, fmt.Errorf(
			"should be >= safetyPriority (%d), got %d", c.SafetyPriority, c.EscalationPriority))
	}
	if c.SecondBackoff <= 0 {
		return wrapKeyErr(cfgKeySecondBackoff, fmt.Errorf("should be > 0, got %s", c.SecondBackoff))
	}
	if c.MinuteBackoff <= 0 {
		return wrapKeyErr(cfgKeyMinuteBackoff, fmt.Errorf("should be > 0, got %s", c.MinuteBackoff))
	}
	return nil
}
