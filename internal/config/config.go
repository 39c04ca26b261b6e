package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pca9634d/internal/pca9634"
)

type Config struct {
	I2C     I2CConfig      `yaml:"i2c"`
	OE      OEConfig       `yaml:"oe"`
	Devices []DeviceConfig `yaml:"devices"`
	Output  OutputConfig   `yaml:"output"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Web     WebConfig      `yaml:"web"`
	Log     LogConfig      `yaml:"log"`
}

type I2CConfig struct {
	// Backend is "linux" (/dev/i2c-N ioctl) or "periph".
	Backend string `yaml:"backend"`
	// Bus is a device path for linux or a periph bus name.
	Bus           string `yaml:"bus"`
	SoftwareReset bool   `yaml:"software_reset"`
	Trace         bool   `yaml:"trace"`
}

// OEConfig describes the shared active-low output enable line.
type OEConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	// Line is the GPIO offset on Chip; required when Enable is set.
	Line *int `yaml:"line"`
}

type DeviceConfig struct {
	ID        string `yaml:"id"`
	Address   uint16 `yaml:"address"`
	Inverted  bool   `yaml:"inverted"`
	Structure string `yaml:"structure"`
	ChangeOn  string `yaml:"changeon"`
	GroupMode string `yaml:"group_mode"`
	// AllCall defaults to true.
	AllCall  *bool           `yaml:"allcall"`
	Channels []ChannelConfig `yaml:"channels"`

	OutDrv    pca9634.OutDrv    `yaml:"-"`
	OutChange pca9634.OutChange `yaml:"-"`
	Group     pca9634.GroupMode `yaml:"-"`
}

type ChannelConfig struct {
	ID          string `yaml:"id"`
	Channel     int    `yaml:"channel"`
	GroupMember bool   `yaml:"groupmember"`
	// MinPower/MaxPower rescale a non-zero level into [min,max].
	// MaxPower defaults to 1.
	MinPower      float64  `yaml:"min_power"`
	MaxPower      *float64 `yaml:"max_power"`
	ZeroMeansZero bool     `yaml:"zero_means_zero"`
	// Inverted flips the mapped level. It is independent of the device-wide
	// MODE2.INVRT setting.
	Inverted bool `yaml:"inverted"`
}

type OutputConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	InitRetryMin  time.Duration `yaml:"init_retry_min"`
	InitRetryMax  time.Duration `yaml:"init_retry_max"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// DriverConfig returns the typed driver settings for d.
func (d DeviceConfig) DriverConfig() pca9634.Config {
	return pca9634.Config{
		Address:        d.Address,
		Inverted:       d.Inverted,
		OutDrv:         d.OutDrv,
		OutChange:      d.OutChange,
		GroupMode:      d.Group,
		DisableAllCall: d.AllCall != nil && !*d.AllCall,
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document, applying defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.I2C.Backend == "" {
		cfg.I2C.Backend = "linux"
	}
	switch cfg.I2C.Backend {
	case "linux":
		if cfg.I2C.Bus == "" {
			cfg.I2C.Bus = "/dev/i2c-1"
		}
	case "periph":
	default:
		return Config{}, fmt.Errorf("i2c.backend must be one of linux, periph")
	}

	if cfg.OE.Enable {
		if cfg.OE.Chip == "" {
			cfg.OE.Chip = "/dev/gpiochip0"
		}
		if cfg.OE.Line == nil {
			return Config{}, fmt.Errorf("oe.line is required when oe.enable is true")
		}
		if *cfg.OE.Line < 0 {
			return Config{}, fmt.Errorf("oe.line must be >= 0")
		}
	}

	if len(cfg.Devices) == 0 {
		return Config{}, fmt.Errorf("at least one device is required")
	}
	deviceIDs := map[string]bool{}
	addrs := map[uint16]bool{}
	outputIDs := map[string]bool{}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		where := fmt.Sprintf("devices[%d]", i)
		if err := applyDevice(d, where); err != nil {
			return Config{}, err
		}
		if deviceIDs[d.ID] {
			return Config{}, fmt.Errorf("%s.id %q is duplicated", where, d.ID)
		}
		deviceIDs[d.ID] = true
		if addrs[d.Address] {
			return Config{}, fmt.Errorf("%s.address 0x%02X is duplicated", where, d.Address)
		}
		addrs[d.Address] = true

		for _, ch := range d.Channels {
			if outputIDs[ch.ID] {
				return Config{}, fmt.Errorf("%s output id %q is duplicated", where, ch.ID)
			}
			outputIDs[ch.ID] = true
		}
	}

	if allCallEnabled(cfg.Devices) {
		for i, d := range cfg.Devices {
			if d.Address == pca9634.AddressAllCall {
				return Config{}, fmt.Errorf("devices[%d].address 0x%02X is the all-call address; set allcall: false on every device to use it", i, d.Address)
			}
		}
	}

	if cfg.Output.FlushInterval <= 0 {
		cfg.Output.FlushInterval = 20 * time.Millisecond
	}
	if cfg.Output.InitRetryMin <= 0 {
		cfg.Output.InitRetryMin = 100 * time.Millisecond
	}
	if cfg.Output.InitRetryMax <= 0 {
		cfg.Output.InitRetryMax = 30 * time.Second
	}
	if cfg.Output.InitRetryMax < cfg.Output.InitRetryMin {
		return Config{}, fmt.Errorf("output.init_retry_max must be >= output.init_retry_min")
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return Config{}, fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "pca9634d"
		}
	}
	cfg.MQTT.TopicPrefix = strings.Trim(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "pca9634"
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}

func applyDevice(d *DeviceConfig, where string) error {
	if d.ID == "" {
		return fmt.Errorf("%s.id is required", where)
	}
	if d.Address == 0 {
		return fmt.Errorf("%s.address is required", where)
	}
	if d.Address > 0x7F {
		return fmt.Errorf("%s.address 0x%X is not a 7-bit address", where, d.Address)
	}
	if d.Address == pca9634.AddressSoftwareReset {
		return fmt.Errorf("%s.address 0x%02X is reserved for software reset", where, d.Address)
	}

	var err error
	if d.Structure == "" {
		d.Structure = "opendrain"
	}
	d.Structure = strings.ToLower(d.Structure)
	if d.OutDrv, err = pca9634.ParseOutDrv(d.Structure); err != nil {
		return fmt.Errorf("%s.structure must be one of opendrain, totempole", where)
	}
	if d.ChangeOn == "" {
		d.ChangeOn = "stop"
	}
	d.ChangeOn = strings.ToLower(d.ChangeOn)
	if d.OutChange, err = pca9634.ParseOutChange(d.ChangeOn); err != nil {
		return fmt.Errorf("%s.changeon must be one of stop, ack", where)
	}
	if d.GroupMode == "" {
		d.GroupMode = "dim"
	}
	d.GroupMode = strings.ToLower(d.GroupMode)
	if d.Group, err = pca9634.ParseGroupMode(d.GroupMode); err != nil {
		return fmt.Errorf("%s.group_mode must be one of dim, blink", where)
	}

	seen := map[int]bool{}
	for j := range d.Channels {
		ch := &d.Channels[j]
		cw := fmt.Sprintf("%s.channels[%d]", where, j)
		if ch.ID == "" {
			return fmt.Errorf("%s.id is required", cw)
		}
		if ch.Channel < 0 || ch.Channel >= pca9634.NumChannels {
			return fmt.Errorf("%s.channel must be 0-7", cw)
		}
		if seen[ch.Channel] {
			return fmt.Errorf("%s.channel %d is duplicated", cw, ch.Channel)
		}
		seen[ch.Channel] = true
		if ch.MaxPower == nil {
			one := 1.0
			ch.MaxPower = &one
		}
		if ch.MinPower < 0 || *ch.MaxPower > 1 || ch.MinPower > *ch.MaxPower {
			return fmt.Errorf("%s power range must satisfy 0 <= min_power <= max_power <= 1", cw)
		}
	}
	return nil
}

func allCallEnabled(devices []DeviceConfig) bool {
	for _, d := range devices {
		if !d.DriverConfig().DisableAllCall {
			return true
		}
	}
	return false
}
