/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebookincubator/ptpd/ptp/port"
	"github.com/facebookincubator/ptpd/ptp/ptpclock"
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/ptp/tsproc"
	"github.com/facebookincubator/ptpd/timestamp"
)

// delay mechanism config values
const (
	delayMechanismE2E  = "e2e"
	delayMechanismP2P  = "p2p"
	delayMechanismAuto = "auto"
	delayMechanismNone = "none"
)

// network transport config values
const (
	transportUDPv4 = "udp4"
	transportUDPv6 = "udp6"
)

// IfaceConfig is the per-interface section of the config file
type IfaceConfig struct {
	Name string `yaml:"name"`

	LogAnnounceInterval     int   `yaml:"logAnnounceInterval"`
	LogSyncInterval         int   `yaml:"logSyncInterval"`
	LogMinDelayReqInterval  int   `yaml:"logMinDelayReqInterval"`
	LogMinPdelayReqInterval int   `yaml:"logMinPdelayReqInterval"`
	AnnounceReceiptTimeout  uint8 `yaml:"announceReceiptTimeout"`
	SyncReceiptTimeout      uint8 `yaml:"syncReceiptTimeout"`
	TransportSpecific       uint8 `yaml:"transportSpecific"`

	DelayMechanism   string `yaml:"delay_mechanism"`
	NetworkTransport string `yaml:"network_transport"`

	NeighborPropDelayThresh uint32        `yaml:"neighborPropDelayThresh"`
	MinNeighborPropDelay    int64         `yaml:"min_neighbor_prop_delay"`
	DelayAsymmetry          time.Duration `yaml:"delayAsymmetry"`
	IngressLatency          time.Duration `yaml:"ingressLatency"`
	EgressLatency           time.Duration `yaml:"egressLatency"`

	FollowUpInfo     bool `yaml:"follow_up_info"`
	FreqEstInterval  int  `yaml:"freq_est_interval"`
	HybridE2E        bool `yaml:"hybrid_e2e"`
	PathTraceEnabled bool `yaml:"path_trace_enabled"`

	BoundaryClockJBOD bool `yaml:"boundary_clock_jbod"`
	PHCIndex          int  `yaml:"phc_index"`

	TsprocMode        string `yaml:"tsproc_mode"`
	DelayFilter       string `yaml:"delay_filter"`
	DelayFilterLength int    `yaml:"delay_filter_length"`

	FaultResetInterval      int `yaml:"fault_reset_interval"`
	FaultBadPeerNetInterval int `yaml:"fault_badpeernet_interval"`
}

// UnmarshalYAML fills the linuxptp defaults before decoding the section,
// so absent keys keep them
func (ic *IfaceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	ic.LogAnnounceInterval = 1
	ic.AnnounceReceiptTimeout = 3
	ic.NeighborPropDelayThresh = 20000000
	ic.DelayFilter = tsproc.FilterMovingMedian
	ic.DelayFilterLength = 10
	ic.FaultResetInterval = 4
	ic.FaultBadPeerNetInterval = 16
	type plain IfaceConfig
	return unmarshal((*plain)(ic))
}

// Config is the daemon config file
type Config struct {
	Interfaces []IfaceConfig `yaml:"interfaces"`

	Priority1     uint8 `yaml:"priority1"`
	Priority2     uint8 `yaml:"priority2"`
	DomainNumber  uint8 `yaml:"domainNumber"`
	SlaveOnly     bool  `yaml:"slaveOnly"`
	TwoStepFlag   bool  `yaml:"twoStepFlag"`
	GMCapable     bool  `yaml:"gmCapable"`
	SkipSyncCheck bool  `yaml:"skip_sync_check"`
	UTCOffset     int16 `yaml:"utc_offset"`

	Timestamping   string `yaml:"timestamping"` // hardware or software
	DSCP           int    `yaml:"dscp"`
	MonitoringPort int    `yaml:"monitoringport"`

	FirstStepThreshold int64 `yaml:"first_step_threshold"`
	StepThreshold      int64 `yaml:"step_threshold"`
}

// DefaultConfig returns the daemon defaults, matching ptp4l's defaults
// where we share a knob.
func DefaultConfig() *Config {
	return &Config{
		Priority1:          128,
		Priority2:          128,
		TwoStepFlag:        true,
		UTCOffset:          37,
		Timestamping:       "software",
		MonitoringPort:     4269,
		FirstStepThreshold: 20000,
	}
}

// Validate checks the config for obvious mistakes
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no interfaces configured")
	}
	seen := map[string]bool{}
	for _, ic := range c.Interfaces {
		if ic.Name == "" {
			return fmt.Errorf("interface with no name")
		}
		if seen[ic.Name] {
			return fmt.Errorf("interface %q configured twice", ic.Name)
		}
		seen[ic.Name] = true
		switch ic.DelayMechanism {
		case "", delayMechanismE2E, delayMechanismP2P, delayMechanismAuto, delayMechanismNone:
		default:
			return fmt.Errorf("delay_mechanism must be one of %q, %q, %q, %q",
				delayMechanismE2E, delayMechanismP2P, delayMechanismAuto, delayMechanismNone)
		}
		switch ic.NetworkTransport {
		case "", transportUDPv4, transportUDPv6:
		default:
			return fmt.Errorf("network_transport must be either %q or %q", transportUDPv4, transportUDPv6)
		}
		switch ic.DelayFilter {
		case "", tsproc.FilterMovingMean, tsproc.FilterMovingMedian:
		default:
			return fmt.Errorf("delay_filter must be either %q or %q",
				tsproc.FilterMovingMean, tsproc.FilterMovingMedian)
		}
		if ic.HybridE2E && ic.DelayMechanism == delayMechanismP2P {
			// documented as E2E-only, preserved as a warning
			log.Warningf("interface %s: hybrid_e2e only works with the E2E delay mechanism", ic.Name)
		}
	}
	switch c.Timestamping {
	case "", "software", "hardware":
	default:
		return fmt.Errorf("timestamping must be either %q or %q", "software", "hardware")
	}
	return nil
}

// ReadConfig reads and validates the config file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func delayMechanismFromString(s string) ptp.DelayMechanism {
	switch s {
	case delayMechanismP2P:
		return ptp.DelayMechanismP2P
	case delayMechanismAuto:
		return ptp.DelayMechanismAuto
	case delayMechanismNone:
		return ptp.DelayMechanismNone
	default:
		return ptp.DelayMechanismE2E
	}
}

func tsprocModeFromString(s string) tsproc.Mode {
	switch s {
	case "raw":
		return tsproc.ModeRaw
	case "raw_weight":
		return tsproc.ModeRawWeight
	case "filter_weight":
		return tsproc.ModeFilterWeight
	default:
		return tsproc.ModeFilter
	}
}

// Timestamp returns the socket timestamping mode to use
func (c *Config) Timestamp() timestamp.Timestamp {
	if c.Timestamping == "hardware" {
		return timestamp.HW
	}
	return timestamp.SW
}

// timestampingKind is what we report in PORT_PROPERTIES_NP
func (c *Config) timestampingKind() ptp.Timestamping {
	if c.Timestamping == "hardware" {
		return ptp.TimestampingHardware
	}
	return ptp.TimestampingSoftware
}

// PortConfig converts one interface section into the port engine config
func (c *Config) PortConfig(ic IfaceConfig, portNumber uint16) port.Config {
	pc := port.Config{
		Interface:               ic.Name,
		PortNumber:              portNumber,
		TransportSpecific:       ic.TransportSpecific,
		DelayMechanism:          delayMechanismFromString(ic.DelayMechanism),
		LogAnnounceInterval:     ic.LogAnnounceInterval,
		LogSyncInterval:         ic.LogSyncInterval,
		LogMinDelayReqInterval:  ic.LogMinDelayReqInterval,
		LogMinPdelayReqInterval: ic.LogMinPdelayReqInterval,
		AnnounceReceiptTimeout:  ic.AnnounceReceiptTimeout,
		SyncReceiptTimeout:      ic.SyncReceiptTimeout,
		NeighborPropDelayThresh: ic.NeighborPropDelayThresh,
		MinNeighborPropDelay:    ic.MinNeighborPropDelay,
		DelayAsymmetry:          ic.DelayAsymmetry,
		FollowUpInfo:            ic.FollowUpInfo,
		FreqEstInterval:         ic.FreqEstInterval,
		HybridE2E:               ic.HybridE2E,
		PathTraceEnabled:        ic.PathTraceEnabled,
		BoundaryClockJBOD:       ic.BoundaryClockJBOD,
		PHCIndex:                ic.PHCIndex,
		Timestamping:            c.timestampingKind(),
		TsprocMode:              tsprocModeFromString(ic.TsprocMode),
		DelayFilter:             ic.DelayFilter,
		DelayFilterLength:       ic.DelayFilterLength,
	}
	if ic.FaultResetInterval != 0 {
		pc.FaultResetInterval = port.FaultInterval{Type: port.FaultIntervalLog2Seconds, Val: ic.FaultResetInterval}
	}
	if ic.FaultBadPeerNetInterval != 0 {
		pc.FaultBadPeerNetInterval = port.FaultInterval{Type: port.FaultIntervalLinearSeconds, Val: ic.FaultBadPeerNetInterval}
	}
	return pc
}

// ClockConfig converts the clock-level settings
func (c *Config) ClockConfig() ptpclock.Config {
	return ptpclock.Config{
		Priority1:          c.Priority1,
		Priority2:          c.Priority2,
		DomainNumber:       c.DomainNumber,
		SlaveOnly:          c.SlaveOnly,
		TwoStep:            c.TwoStepFlag,
		GMCapable:          c.GMCapable,
		SkipSyncCheck:      c.SkipSyncCheck,
		UTCOffset:          c.UTCOffset,
		ProductDescription: "ptpd",
		RevisionData:       "1.0",
		FirstStepThreshold: c.FirstStepThreshold,
		StepThreshold:      c.StepThreshold,
	}
}
