// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the NAT engine's load-time tunables from an HCL
// file: per-protocol port ranges, timeouts, the metric reporter's
// interval/ring capacity, and the WAN interface bindings that the
// control plane is expected to keep current (§6 of the specification).
package config

import (
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"ridgewatch.dev/natcore/internal/errors"
)

// PortRange is the inclusive [Start, End] allocation window for one
// protocol's dynamic NAPT ports.
type PortRange struct {
	Start uint16 `hcl:"start,optional" json:"start"`
	End   uint16 `hcl:"end,optional" json:"end"`
}

// WANBinding maps one egress interface to the public address the
// engine should translate into; populated by the control plane and
// reloaded alongside the rest of the config.
type WANBinding struct {
	IfIndex int    `hcl:"ifindex" json:"ifindex"`
	Addr4   string `hcl:"addr4,optional" json:"addr4,omitempty"`
	Addr6   string `hcl:"addr6,optional" json:"addr6,omitempty"`
}

// Config is the full set of NAT engine tunables.
type Config struct {
	TCPSynTimeout   string `hcl:"tcp_syn_timeout,optional" json:"tcp_syn_timeout"`
	TCPTimeout      string `hcl:"tcp_timeout,optional" json:"tcp_timeout"`
	UDPTimeout      string `hcl:"udp_timeout,optional" json:"udp_timeout"`
	ReportInterval  string `hcl:"report_interval,optional" json:"report_interval"`
	RingBufCapacity int    `hcl:"ring_buffer_capacity,optional" json:"ring_buffer_capacity"`
	LogLevel        string `hcl:"log_level,optional" json:"log_level"`

	TCPPorts  PortRange `hcl:"tcp_ports,block" json:"tcp_ports"`
	UDPPorts  PortRange `hcl:"udp_ports,block" json:"udp_ports"`
	ICMPPorts PortRange `hcl:"icmp_ports,block" json:"icmp_ports"`

	WANBindings []WANBinding `hcl:"wan_binding,block" json:"wan_binding,omitempty"`
}

// Default returns the configuration matching the original defaults:
// TCP_SYN_TIMEOUT=6s, TCP_TIMEOUT=600s, UDP_TIMEOUT=300s,
// REPORT_INTERVAL=5s, ports [32768..65535] for every protocol.
func Default() Config {
	return Config{
		TCPSynTimeout:   "6s",
		TCPTimeout:      "600s",
		UDPTimeout:      "300s",
		ReportInterval:  "5s",
		RingBufCapacity: 4096,
		LogLevel:        "info",
		TCPPorts:        PortRange{Start: 32768, End: 65535},
		UDPPorts:        PortRange{Start: 32768, End: 65535},
		ICMPPorts:       PortRange{Start: 32768, End: 65535},
	}
}

// Load reads and decodes an HCL config file, filling in any zero-valued
// field from Default() so a partial config file is valid.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, errors.KindValidation, "config: failed to decode %s", path)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.TCPSynTimeout == "" {
		cfg.TCPSynTimeout = def.TCPSynTimeout
	}
	if cfg.TCPTimeout == "" {
		cfg.TCPTimeout = def.TCPTimeout
	}
	if cfg.UDPTimeout == "" {
		cfg.UDPTimeout = def.UDPTimeout
	}
	if cfg.ReportInterval == "" {
		cfg.ReportInterval = def.ReportInterval
	}
	if cfg.RingBufCapacity == 0 {
		cfg.RingBufCapacity = def.RingBufCapacity
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.TCPPorts == (PortRange{}) {
		cfg.TCPPorts = def.TCPPorts
	}
	if cfg.UDPPorts == (PortRange{}) {
		cfg.UDPPorts = def.UDPPorts
	}
	if cfg.ICMPPorts == (PortRange{}) {
		cfg.ICMPPorts = def.ICMPPorts
	}
}

// Durations parses the string tunables into time.Duration, returning a
// validation error naming the offending field if any fail to parse.
type Durations struct {
	TCPSynTimeout  time.Duration
	TCPTimeout     time.Duration
	UDPTimeout     time.Duration
	ReportInterval time.Duration
}

func (c Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	if d.TCPSynTimeout, err = time.ParseDuration(c.TCPSynTimeout); err != nil {
		return Durations{}, errors.Wrap(err, errors.KindValidation, "config: tcp_syn_timeout")
	}
	if d.TCPTimeout, err = time.ParseDuration(c.TCPTimeout); err != nil {
		return Durations{}, errors.Wrap(err, errors.KindValidation, "config: tcp_timeout")
	}
	if d.UDPTimeout, err = time.ParseDuration(c.UDPTimeout); err != nil {
		return Durations{}, errors.Wrap(err, errors.KindValidation, "config: udp_timeout")
	}
	if d.ReportInterval, err = time.ParseDuration(c.ReportInterval); err != nil {
		return Durations{}, errors.Wrap(err, errors.KindValidation, "config: report_interval")
	}
	return d, nil
}
