package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"knx-gateway/internal/telegram"
	"knx-gateway/internal/telemetry"
	"knx-gateway/internal/tunnel"
)

type Config struct {
	Bus struct {
		Port               string   `yaml:"port"`
		GroupAddresses     []string `yaml:"group_addresses"`
		ForwardUnaddressed bool     `yaml:"forward_unaddressed"`
		Repetitions        uint8    `yaml:"repetitions"`
	} `yaml:"bus"`
	KNXnet struct {
		ListenUDP        string        `yaml:"listen_udp"`
		ListenTCP        string        `yaml:"listen_tcp"` // "off" disables
		MulticastGroup   string        `yaml:"multicast_group"`
		Interface        string        `yaml:"interface"`
		Channels         int           `yaml:"channels"`
		TunnelAddresses  []string      `yaml:"tunnel_addresses"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		SequenceModulus  int           `yaml:"sequence_modulus"` // 16 or 256
	} `yaml:"knxnet"`
	Device struct {
		FriendlyName    string `yaml:"friendly_name"`
		Address         string `yaml:"address"`
		Serial          string `yaml:"serial"`
		MAC             string `yaml:"mac"`
		ProjectID       uint16 `yaml:"project_id"`
		ProgrammingMode *bool  `yaml:"programming_mode"`
		ManufacturerID  uint16 `yaml:"manufacturer_id"`
		IP              string `yaml:"ip"`
		Mask            string `yaml:"mask"`
		Gateway         string `yaml:"gateway"`
	} `yaml:"device"`
	Store struct {
		Path         string `yaml:"path"`
		KeepSessions int    `yaml:"keep_sessions"`
	} `yaml:"store"`
	Busmon struct {
		Path string `yaml:"path"` // empty disables
	} `yaml:"busmon"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"` // empty disables
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	InfluxDB   telemetry.Config `yaml:"influxdb"`
	ScriptsDir string           `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Bus.Repetitions == 0 {
		c.Bus.Repetitions = 3
	}
	if c.KNXnet.ListenUDP == "" {
		c.KNXnet.ListenUDP = ":3671"
	}
	if c.KNXnet.ListenTCP == "" {
		c.KNXnet.ListenTCP = ":3671"
	}
	if c.KNXnet.MulticastGroup == "" {
		c.KNXnet.MulticastGroup = "224.0.23.12"
	}
	if c.KNXnet.Channels == 0 {
		c.KNXnet.Channels = tunnel.DefaultChannels
	}
	if len(c.KNXnet.TunnelAddresses) == 0 {
		c.KNXnet.TunnelAddresses = []string{"1.0.250", "1.0.251", "1.0.252", "1.0.253"}
	}
	if c.KNXnet.HeartbeatTimeout == 0 {
		c.KNXnet.HeartbeatTimeout = tunnel.DefaultHeartbeatTimeout
	}
	if c.KNXnet.SequenceModulus == 0 {
		c.KNXnet.SequenceModulus = tunnel.DefaultSequenceModulus
	}
	if c.Device.Address == "" {
		c.Device.Address = "1.0.0"
	}
	if c.Store.Path == "" {
		c.Store.Path = "knx-gateway.db"
	}
	if c.Store.KeepSessions == 0 {
		c.Store.KeepSessions = 1000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "knx"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Bus.Port == "" {
		errs = append(errs, errors.New("bus.port is required"))
	}
	if c.Bus.Repetitions > 7 {
		errs = append(errs, fmt.Errorf("bus.repetitions must be 0-7, got %d", c.Bus.Repetitions))
	}
	if _, err := c.groupAddresses(); err != nil {
		errs = append(errs, err)
	}
	if _, err := telegram.ParseIndividualAddr(c.Device.Address); err != nil {
		errs = append(errs, fmt.Errorf("device.address: %w", err))
	}
	if _, err := c.tunnelAddresses(); err != nil {
		errs = append(errs, err)
	}
	if c.KNXnet.Channels < 1 || c.KNXnet.Channels > 255 {
		errs = append(errs, fmt.Errorf("knxnet.channels must be 1-255, got %d", c.KNXnet.Channels))
	}
	if m := c.KNXnet.SequenceModulus; m != 16 && m != 256 {
		errs = append(errs, fmt.Errorf("knxnet.sequence_modulus must be 16 or 256, got %d", m))
	}
	if g, err := netip.ParseAddr(c.KNXnet.MulticastGroup); err != nil || !g.Is4() || !g.IsMulticast() {
		errs = append(errs, fmt.Errorf("knxnet.multicast_group %q is not an IPv4 multicast address", c.KNXnet.MulticastGroup))
	}
	if len(c.Device.FriendlyName) > 30 {
		errs = append(errs, fmt.Errorf("device.friendly_name exceeds 30 characters"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) groupAddresses() ([]telegram.GroupAddr, error) {
	out := make([]telegram.GroupAddr, 0, len(c.Bus.GroupAddresses))
	for _, s := range c.Bus.GroupAddresses {
		ga, err := telegram.ParseGroupAddr(s)
		if err != nil {
			return nil, fmt.Errorf("bus.group_addresses: %w", err)
		}
		out = append(out, ga)
	}
	return out, nil
}

func (c *Config) tunnelAddresses() ([]telegram.IndividualAddr, error) {
	out := make([]telegram.IndividualAddr, 0, len(c.KNXnet.TunnelAddresses))
	seen := make(map[telegram.IndividualAddr]bool)
	for _, s := range c.KNXnet.TunnelAddresses {
		ia, err := telegram.ParseIndividualAddr(s)
		if err != nil {
			return nil, fmt.Errorf("knxnet.tunnel_addresses: %w", err)
		}
		if seen[ia] {
			return nil, fmt.Errorf("knxnet.tunnel_addresses: %s listed twice", ia)
		}
		seen[ia] = true
		out = append(out, ia)
	}
	return out, nil
}

func (c *Config) tcpEnabled() bool {
	return !strings.EqualFold(c.KNXnet.ListenTCP, "off")
}
