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
)

// ServoState is the verdict the clock servo returns for one sync sample
type ServoState uint8

// servo states
const (
	ServoUnlocked ServoState = iota
	ServoJump
	ServoLocked
	ServoLocking
)

// ServoStateToString is a map from ServoState to string
var ServoStateToString = map[ServoState]string{
	ServoUnlocked: "UNLOCKED",
	ServoJump:     "JUMP",
	ServoLocked:   "LOCKED",
	ServoLocking:  "LOCKING",
}

func (s ServoState) String() string {
	return ServoStateToString[s]
}

// TimePropertiesDS carries the time-properties attributes a slave copies
// from its parent's announcements
type TimePropertiesDS struct {
	CurrentUTCOffset int16
	Flags            uint8 // second octet of flagField
	TimeSource       ptp.TimeSource
}

// ParentDS is the clock's view of its parent, as advertised in Announce
type ParentDS struct {
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ptp.ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ptp.ClockIdentity
	PathTrace               []ptp.ClockIdentity
}

// Description is the static clock description reported via management
type Description struct {
	ClockType            uint16
	ManufacturerIdentity [3]uint8
	ProductDescription   ptp.PTPText
	RevisionData         ptp.PTPText
	UserDescription      ptp.PTPText
}

// Clock is what the port needs from the clock that owns it. The port
// holds a weak back-reference and never owns or frees the clock.
type Clock interface {
	// datasets
	Identity() ptp.ClockIdentity
	DomainNumber() uint8
	SlaveOnly() bool
	TwoStep() bool
	GMCapable() bool
	StepsRemoved() uint16
	ParentIdentity() ptp.PortIdentity
	ParentDS() ParentDS
	TimeProperties() TimePropertiesDS
	UpdateTimeProperties(tp TimePropertiesDS)
	Description() Description
	SkipSyncCheck() bool

	// servo entries
	RateRatio() float64
	Synchronize(ingress, origin time.Time) ServoState
	PathDelay(t3, t4 time.Time)
	PeerDelay(delay time.Duration, t1, t2 time.Time, nrateRatio float64)
	FollowUpInfo(tlv *ptp.FollowUpInfoTLV)
	SyncInterval(li ptp.LogInterval)

	// port registry
	SetSlavePort(p *Port)
	SlavePort() *Port

	// jbod boundary clock support
	SwitchPHC(phcIndex int) error

	// notification sink for state changes
	StateChanged(p *Port)
}
