// File: internal/config/humanoid_config.go
// This file defines the HumanoidConfig struct, the typing cadence used when
// synthetic input is written into third party forms. The values feed the
// injector's focus pause and the jittered delay between OTP fields.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// HumanoidConfig holds the timing parameters for synthetic typing.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Pause after focusing a field and before writing into it.
	FocusPause time.Duration `mapstructure:"focus_pause" yaml:"focus_pause"`

	// Inter-field delay, sampled from a normal distribution and clamped at the minimum.
	KeyPauseMeanMs   float64 `mapstructure:"key_pause_mean_ms" yaml:"key_pause_mean_ms"`
	KeyPauseStdDevMs float64 `mapstructure:"key_pause_stddev_ms" yaml:"key_pause_stddev_ms"`
	KeyPauseMinMs    float64 `mapstructure:"key_pause_min_ms" yaml:"key_pause_min_ms"`
}

// setHumanoidDefaults registers the cadence defaults under browser.humanoid.
func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.focus_pause", "50ms")
	v.SetDefault("browser.humanoid.key_pause_mean_ms", 100.0)
	v.SetDefault("browser.humanoid.key_pause_stddev_ms", 28.0)
	v.SetDefault("browser.humanoid.key_pause_min_ms", 35.0)
}
