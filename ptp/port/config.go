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

package port

import (
	"time"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/ptp/tsproc"
)

// Config is the per-interface configuration of a port. The daemon fills
// it from the config file; zero values mean the linuxptp defaults where
// those are zero. Normalize fills the defaults of the fields it lists;
// LogAnnounceInterval is taken as given.
type Config struct {
	Interface  string
	PortNumber uint16

	TransportSpecific uint8
	VersionNumber     uint8
	DelayMechanism    ptp.DelayMechanism

	LogAnnounceInterval     int
	LogSyncInterval         int
	LogMinDelayReqInterval  int
	LogMinPdelayReqInterval int
	AnnounceReceiptTimeout  uint8
	SyncReceiptTimeout      uint8
	FollowUpReceiptTimeout  uint8

	NeighborPropDelayThresh uint32
	MinNeighborPropDelay    int64
	DelayAsymmetry          time.Duration

	FollowUpInfo     bool
	FreqEstInterval  int
	HybridE2E        bool
	PathTraceEnabled bool
	SkipSyncCheck    bool

	BoundaryClockJBOD bool
	PHCIndex          int

	Timestamping ptp.Timestamping

	TsprocMode        tsproc.Mode
	DelayFilter       string
	DelayFilterLength int

	FaultResetInterval      FaultInterval
	FaultBadPeerNetInterval FaultInterval

	IngressLatency time.Duration
	EgressLatency  time.Duration
}

// Normalize fills in defaults for fields whose zero value is not the default
func (c *Config) Normalize() {
	if c.PortNumber == 0 {
		c.PortNumber = 1
	}
	if c.VersionNumber == 0 {
		c.VersionNumber = ptp.MajorVersion
	}
	if c.DelayMechanism == 0 {
		c.DelayMechanism = ptp.DelayMechanismE2E
	}
	if c.AnnounceReceiptTimeout == 0 {
		c.AnnounceReceiptTimeout = 3
	}
	if c.DelayFilter == "" {
		c.DelayFilter = tsproc.FilterMovingMedian
	}
	if c.DelayFilterLength == 0 {
		c.DelayFilterLength = 10
	}
	if c.NeighborPropDelayThresh == 0 {
		c.NeighborPropDelayThresh = 20000000
	}
	if c.FaultResetInterval == (FaultInterval{}) {
		c.FaultResetInterval = FaultInterval{Type: FaultIntervalLog2Seconds, Val: 4}
	}
	if c.FaultBadPeerNetInterval == (FaultInterval{}) {
		c.FaultBadPeerNetInterval = FaultInterval{Type: FaultIntervalLinearSeconds, Val: 16}
	}
}

// oneStep reports whether transmit timestamps ride in the event message itself
func (c *Config) oneStep() bool {
	return c.Timestamping == ptp.TimestampingOneStep || c.Timestamping == ptp.TimestampingP2P1Step
}
