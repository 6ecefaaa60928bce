package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/armctl/internal/devicelink"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/armctl.defaults.json"

// Config is the root controller configuration. Every field is optional; the
// Get* accessors fall back to built-in defaults so partial files are safe.
type Config struct {
	Motion *LinkConfig  `json:"motion,omitempty"`
	Pumps  []PumpConfig `json:"pumps,omitempty"`

	// Loop intervals, duration strings like "10ms".
	MotionInterval *string `json:"motion_interval,omitempty"`
	PumpInterval   *string `json:"pump_interval,omitempty"`

	ForerunDepth    *int     `json:"forerun_depth,omitempty"`
	IDCeiling       *int     `json:"id_ceiling,omitempty"`
	FirstID         *int     `json:"first_id,omitempty"`
	TargetThreshold *float64 `json:"target_threshold,omitempty"`
	WatchdogTimeout *string  `json:"watchdog_timeout,omitempty"`

	// Pump speed algorithm.
	VolumePerDistance *float64                  `json:"volume_per_distance,omitempty"`
	RetractSpeed      *float64                  `json:"retract_speed,omitempty"`
	LookaheadDistance *float64                  `json:"lookahead_distance,omitempty"`
	RetractFactor     *float64                  `json:"retract_factor,omitempty"`
	PrerunFactor      *float64                  `json:"prerun_factor,omitempty"`
	Profiles          map[string][]AnchorConfig `json:"profiles,omitempty"`

	EventLogPath *string `json:"event_log_path,omitempty"`
	HealthListen *string `json:"health_listen,omitempty"`
	DebugListen  *string `json:"debug_listen,omitempty"`
}

// LinkConfig is the JSON form of a device connection.
type LinkConfig struct {
	Address          string                  `json:"address"`
	Transport        string                  `json:"transport,omitempty"`
	ConnectTimeout   *string                 `json:"connect_timeout,omitempty"`
	RWTimeout        *string                 `json:"rw_timeout,omitempty"`
	ReadBlockLength  *int                    `json:"read_block_length,omitempty"`
	WriteBlockLength *int                    `json:"write_block_length,omitempty"`
	Serial           *devicelink.PortOptions `json:"serial,omitempty"`
}

// PumpConfig describes one pump drive.
type PumpConfig struct {
	Name string     `json:"name"`
	Link LinkConfig `json:"link"`
	// Capacity is the delivery at 100% in litres per second.
	Capacity *float64 `json:"capacity,omitempty"`
	// MaxFrequency is the drive frequency reported at 100%.
	MaxFrequency *float64 `json:"max_frequency,omitempty"`
}

// AnchorConfig is one point of a pump speed profile.
type AnchorConfig struct {
	TimeUntilTarget float64 `json:"time_until_target"`
	Base            string  `json:"base"`
	Interp          string  `json:"interp,omitempty"`
}

var (
	validBases   = map[string]bool{"zero": true, "max": true, "min": true, "default": true, "retract": true, "conn": true}
	validInterps = map[string]bool{"": true, "instant": true, "linear": true, "smoothstep": true}
)

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func checkDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *s)
	}
	return nil
}

func (l *LinkConfig) validate(name string) error {
	if l.Address == "" {
		return fmt.Errorf("%s: address is required", name)
	}
	switch devicelink.Transport(strings.ToLower(l.Transport)) {
	case "", devicelink.TransportTCP, devicelink.TransportSerial:
	default:
		return fmt.Errorf("%s: unknown transport %q", name, l.Transport)
	}
	if err := checkDuration(name+".connect_timeout", l.ConnectTimeout); err != nil {
		return err
	}
	if err := checkDuration(name+".rw_timeout", l.RWTimeout); err != nil {
		return err
	}
	if l.ReadBlockLength != nil && *l.ReadBlockLength <= 0 {
		return fmt.Errorf("%s: read_block_length must be positive, got %d", name, *l.ReadBlockLength)
	}
	if l.WriteBlockLength != nil && *l.WriteBlockLength <= 0 {
		return fmt.Errorf("%s: write_block_length must be positive, got %d", name, *l.WriteBlockLength)
	}
	if l.Serial != nil {
		if _, err := l.Serial.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Motion != nil {
		if err := c.Motion.validate("motion"); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for i := range c.Pumps {
		p := &c.Pumps[i]
		if p.Name == "" {
			return fmt.Errorf("pumps[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pump name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Link.validate("pump " + p.Name); err != nil {
			return err
		}
		if p.Capacity != nil && *p.Capacity <= 0 {
			return fmt.Errorf("pump %s: capacity must be positive, got %f", p.Name, *p.Capacity)
		}
		if p.MaxFrequency != nil && *p.MaxFrequency <= 0 {
			return fmt.Errorf("pump %s: max_frequency must be positive, got %f", p.Name, *p.MaxFrequency)
		}
	}

	for name, s := range map[string]*string{
		"motion_interval":  c.MotionInterval,
		"pump_interval":    c.PumpInterval,
		"watchdog_timeout": c.WatchdogTimeout,
	} {
		if err := checkDuration(name, s); err != nil {
			return err
		}
	}

	if c.ForerunDepth != nil && *c.ForerunDepth < 1 {
		return fmt.Errorf("forerun_depth must be at least 1, got %d", *c.ForerunDepth)
	}
	if c.IDCeiling != nil && *c.IDCeiling < 2 {
		return fmt.Errorf("id_ceiling must be at least 2, got %d", *c.IDCeiling)
	}
	if c.FirstID != nil && *c.FirstID < 0 {
		return fmt.Errorf("first_id must be non-negative, got %d", *c.FirstID)
	}
	if c.TargetThreshold != nil && *c.TargetThreshold <= 0 {
		return fmt.Errorf("target_threshold must be positive, got %f", *c.TargetThreshold)
	}
	if c.LookaheadDistance != nil && *c.LookaheadDistance < 0 {
		return fmt.Errorf("lookahead_distance must be non-negative, got %f", *c.LookaheadDistance)
	}
	for name, v := range map[string]*float64{"retract_factor": c.RetractFactor, "prerun_factor": c.PrerunFactor} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.RetractSpeed != nil && (*c.RetractSpeed < -100 || *c.RetractSpeed > 100) {
		return fmt.Errorf("retract_speed must be between -100 and 100, got %f", *c.RetractSpeed)
	}

	for name, anchors := range c.Profiles {
		if len(anchors) == 0 {
			return fmt.Errorf("profile %q has no anchors", name)
		}
		for i, a := range anchors {
			if !validBases[a.Base] {
				return fmt.Errorf("profile %q anchor %d: unknown base %q", name, i, a.Base)
			}
			if !validInterps[a.Interp] {
				return fmt.Errorf("profile %q anchor %d: unknown interpolation %q", name, i, a.Interp)
			}
			if a.TimeUntilTarget < 0 {
				return fmt.Errorf("profile %q anchor %d: time_until_target must be non-negative", name, i)
			}
		}
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetMotionInterval returns the motion loop tick period.
func (c *Config) GetMotionInterval() time.Duration {
	return durationOr(c.MotionInterval, 10*time.Millisecond)
}

// GetPumpInterval returns the pump loop tick period.
func (c *Config) GetPumpInterval() time.Duration {
	return durationOr(c.PumpInterval, 250*time.Millisecond)
}

// GetWatchdogTimeout returns how long a link may stay silent.
func (c *Config) GetWatchdogTimeout() time.Duration {
	return durationOr(c.WatchdogTimeout, 10*time.Second)
}

// GetForerunDepth returns how far ahead of the device commands may be sent.
func (c *Config) GetForerunDepth() int32 {
	if c.ForerunDepth == nil {
		return 10
	}
	return int32(*c.ForerunDepth)
}

// GetIDCeiling returns the value at which the device's id counter wraps.
func (c *Config) GetIDCeiling() int32 {
	if c.IDCeiling == nil {
		return 3000
	}
	return int32(*c.IDCeiling)
}

// GetFirstID returns the id given to the first queued command.
func (c *Config) GetFirstID() int32 {
	if c.FirstID == nil {
		return 1
	}
	return int32(*c.FirstID)
}

func (c *Config) GetTargetThreshold() float64 {
	if c.TargetThreshold == nil {
		return 1.0
	}
	return *c.TargetThreshold
}

// GetVolumePerDistance returns the dispensed volume per unit of travel.
func (c *Config) GetVolumePerDistance() float64 {
	if c.VolumePerDistance == nil {
		return 100
	}
	return *c.VolumePerDistance
}

// GetRetractSpeed returns the pump speed in percent used by the retract base.
func (c *Config) GetRetractSpeed() float64 {
	if c.RetractSpeed == nil {
		return -30
	}
	return *c.RetractSpeed
}

func (c *Config) GetLookaheadDistance() float64 {
	if c.LookaheadDistance == nil {
		return 50
	}
	return *c.LookaheadDistance
}

func (c *Config) GetRetractFactor() float64 {
	if c.RetractFactor == nil {
		return 0.5
	}
	return *c.RetractFactor
}

func (c *Config) GetPrerunFactor() float64 {
	if c.PrerunFactor == nil {
		return 0.5
	}
	return *c.PrerunFactor
}

// GetEventLogPath returns the SQLite event log path; empty disables it.
func (c *Config) GetEventLogPath() string {
	if c.EventLogPath == nil {
		return ""
	}
	return *c.EventLogPath
}

func (c *Config) GetHealthListen() string {
	if c.HealthListen == nil {
		return ""
	}
	return *c.HealthListen
}

func (c *Config) GetDebugListen() string {
	if c.DebugListen == nil {
		return "localhost:8090"
	}
	return *c.DebugListen
}

// MotionLink returns the motion controller connection. The frame lengths are
// fixed by the protocol regardless of what the file says.
func (c *Config) MotionLink(readLen, writeLen int) devicelink.Config {
	var l LinkConfig
	if c.Motion != nil {
		l = *c.Motion
	}
	l.ReadBlockLength = &readLen
	l.WriteBlockLength = &writeLen
	return l.DeviceLink("motion")
}

// DeviceLink converts the JSON form into a devicelink.Config.
func (l LinkConfig) DeviceLink(name string) devicelink.Config {
	cfg := devicelink.Config{
		Name:           name,
		Address:        l.Address,
		Transport:      devicelink.Transport(strings.ToLower(l.Transport)),
		ConnectTimeout: durationOr(l.ConnectTimeout, 3*time.Second),
		RWTimeout:      durationOr(l.RWTimeout, 100*time.Millisecond),
	}
	cfg.ReadBlockLength = 16
	if l.ReadBlockLength != nil {
		cfg.ReadBlockLength = *l.ReadBlockLength
	}
	cfg.WriteBlockLength = 4
	if l.WriteBlockLength != nil {
		cfg.WriteBlockLength = *l.WriteBlockLength
	}
	if l.Serial != nil {
		cfg.Serial = *l.Serial
	}
	return cfg
}

// GetCapacity returns the pump delivery at 100% in litres per second.
func (p PumpConfig) GetCapacity() float64 {
	if p.Capacity == nil {
		return 1.0
	}
	return *p.Capacity
}

// GetMaxFrequency returns the drive frequency at 100%.
func (p PumpConfig) GetMaxFrequency() float64 {
	if p.MaxFrequency == nil {
		return 50
	}
	return *p.MaxFrequency
}

// PumpNames returns the configured pump names in order.
func (c *Config) PumpNames() []string {
	names := make([]string, 0, len(c.Pumps))
	for _, p := range c.Pumps {
		names = append(names, p.Name)
	}
	return names
}
