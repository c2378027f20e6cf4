// Package config loads the HAL's on-disk configuration: card match
// tables, the mic mixer setting table, the modem TTY path, and
// diagnostics defaults. It reads structured YAML the way the teacher's
// deviceid.go reads tocalls.yaml -- a fixed, OS-appropriate search list
// of candidate paths, first one found wins -- except targets a proper
// tagged struct instead of map[string]interface{} shenanigans, since
// this file isn't an externally-authored third-party data file.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/simcom-audio/hal/internal/cardreg"
	"github.com/simcom-audio/hal/internal/diag"
	"github.com/simcom-audio/hal/internal/modem"
	"github.com/simcom-audio/hal/internal/ring"
	"github.com/simcom-audio/hal/internal/route"
)

// SearchPaths is the ordered list of locations Load checks when no
// explicit path is given, mirroring deviceid.go's search_locations.
var SearchPaths = []string{
	"simcom-hal.yaml",
	"/etc/simcom-hal.yaml",
	"/usr/local/share/simcom-hal/simcom-hal.yaml",
	"/usr/share/simcom-hal/simcom-hal.yaml",
}

// MatchRule is the YAML form of cardreg.MatchRule.
type MatchRule struct {
	CardID string `yaml:"card_id"`
	DaiID  string `yaml:"dai_id,omitempty"`
}

// CardTable is the YAML form of cardreg.Table; Role/Direction are spelled
// out by name so the file stays readable.
type CardTable struct {
	Role      string      `yaml:"role"`
	Direction string      `yaml:"direction"`
	Rules     []MatchRule `yaml:"rules"`
}

// MixerSetting is the YAML form of route.Setting.
type MixerSetting struct {
	Name     string `yaml:"name"`
	Target   int    `yaml:"target"`
	Switch   bool   `yaml:"switch,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// DiagnosticsConfig is the YAML form of diag.Diagnostics.
type DiagnosticsConfig struct {
	DebugAudio     bool `yaml:"debug_audio"`
	DumpOutBytes   bool `yaml:"dump_out_bytes"`
	DumpInBytes    bool `yaml:"dump_in_bytes"`
	HDMIInRateHint int  `yaml:"hdmi_in_rate_hint"`
}

// Config is the top-level HAL configuration document.
type Config struct {
	ModemTTYPath        string            `yaml:"modem_tty_path"`
	RingCapacitySamples int               `yaml:"ring_capacity_samples"`
	Cards               []CardTable       `yaml:"card_tables"`
	MicCaptureSettings  []MixerSetting    `yaml:"mic_capture_settings,omitempty"`
	Diagnostics         DiagnosticsConfig `yaml:"diagnostics"`
}

var roleByName = map[string]cardreg.Role{
	"speaker":   cardreg.RoleSpeaker,
	"hdmi_out":  cardreg.RoleHDMIOut,
	"spdif_out": cardreg.RoleSPDIFOut,
	"modem_out": cardreg.RoleModemOut,
	"mic":       cardreg.RoleMic,
	"hdmi_in":   cardreg.RoleHDMIIn,
	"modem_in":  cardreg.RoleModemIn,
}

var directionByName = map[string]cardreg.Direction{
	"playback": cardreg.DirPlayback,
	"capture":  cardreg.DirCapture,
}

// Default returns the HAL's built-in configuration, matching what the
// original HAL hard-codes: the SIMCOM mic mixer sequence, the
// `/dev/ttyUSB3` modem path, and the ~6s ring capacity. Used when no
// config file is found, and as the base Load starts from so a partial
// file only needs to override what it cares about.
func Default() *Config {
	settings := make([]MixerSetting, 0, len(route.MicCaptureSettings))
	for _, s := range route.MicCaptureSettings {
		settings = append(settings, MixerSetting{
			Name: s.Name, Target: s.Target, Switch: s.IsSwitch, Optional: s.Optional,
		})
	}
	return &Config{
		ModemTTYPath:        modem.DefaultTTYPath,
		RingCapacitySamples: ring.DefaultCapacitySamples,
		MicCaptureSettings:  settings,
	}
}

// Load reads a HAL config file. An explicit path is used as-is; an empty
// path falls back to SearchPaths, first match wins. If no file is found
// anywhere, Load returns Default() and logs a warning rather than
// failing the whole HAL over a missing optional file, the same
// graceful-degrade the teacher's deviceid_init uses for its own missing
// data file.
func Load(path string, logger *log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.Default()
	}

	paths := SearchPaths
	if path != "" {
		paths = []string{path}
	}

	var fp *os.File
	for _, p := range paths {
		f, err := os.Open(p)
		if err == nil {
			fp = f
			break
		}
	}
	if fp == nil {
		logger.Warn("config: no config file found, using built-in defaults", "tried", paths)
		return Default(), nil
	}
	defer fp.Close()

	data, err := io.ReadAll(fp)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", fp.Name(), err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", fp.Name(), err)
	}
	return cfg, nil
}

// CardTables converts the YAML card tables into cardreg.Table, skipping
// (and logging) any table naming an unknown role or direction rather
// than failing the whole HAL over one bad entry.
func (c *Config) CardTables(logger *log.Logger) []cardreg.Table {
	if logger == nil {
		logger = log.Default()
	}
	out := make([]cardreg.Table, 0, len(c.Cards))
	for _, t := range c.Cards {
		role, ok := roleByName[t.Role]
		if !ok {
			logger.Warn("config: skipping card table with unknown role", "role", t.Role)
			continue
		}
		dir, ok := directionByName[t.Direction]
		if !ok {
			logger.Warn("config: skipping card table with unknown direction", "direction", t.Direction)
			continue
		}
		rules := make([]cardreg.MatchRule, 0, len(t.Rules))
		for _, r := range t.Rules {
			rules = append(rules, cardreg.MatchRule{CardID: r.CardID, DaiID: r.DaiID})
		}
		out = append(out, cardreg.Table{Role: role, Direction: dir, Rules: rules})
	}
	return out
}

// RouteSettings converts the YAML mic mixer settings into route.Setting.
func (c *Config) RouteSettings() []route.Setting {
	out := make([]route.Setting, 0, len(c.MicCaptureSettings))
	for _, s := range c.MicCaptureSettings {
		out = append(out, route.Setting{Name: s.Name, Target: s.Target, IsSwitch: s.Switch, Optional: s.Optional})
	}
	return out
}

// DiagDefaults converts the YAML diagnostics block into diag.Diagnostics.
func (c *Config) DiagDefaults() diag.Diagnostics {
	return diag.Diagnostics{
		DebugAudio:     c.Diagnostics.DebugAudio,
		DumpOutBytes:   c.Diagnostics.DumpOutBytes,
		DumpInBytes:    c.Diagnostics.DumpInBytes,
		HDMIInRateHint: c.Diagnostics.HDMIInRateHint,
	}
}
