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

/*
Package ptpclock is the clock container owning all ports: the default,
parent and time-properties datasets, the servo feed, the port registry
and the state decision driving the best master election.
*/
package ptpclock

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ptpd/ptp/bmc"
	"github.com/facebookincubator/ptpd/ptp/port"
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/servo"
)

// Config is the clock-level configuration
type Config struct {
	Priority1               uint8
	Priority2               uint8
	ClockClass              ptp.ClockClass
	ClockAccuracy           ptp.ClockAccuracy
	OffsetScaledLogVariance uint16
	DomainNumber            uint8
	SlaveOnly               bool
	TwoStep                 bool
	GMCapable               bool
	SkipSyncCheck           bool
	UTCOffset               int16
	TimeSource              ptp.TimeSource

	ProductDescription string
	RevisionData       string
	UserDescription    string

	FirstStepThreshold int64
	StepThreshold      int64
}

// Normalize fills in defaults
func (c *Config) Normalize() {
	if c.ClockClass == 0 {
		c.ClockClass = ptp.ClockClassDefault
	}
	if c.SlaveOnly {
		c.ClockClass = ptp.ClockClassSlaveOnly
	}
	if c.ClockAccuracy == 0 {
		c.ClockAccuracy = ptp.ClockAccuracyUnknown
	}
	if c.OffsetScaledLogVariance == 0 {
		c.OffsetScaledLogVariance = 0xffff
	}
	if c.TimeSource == 0 {
		c.TimeSource = ptp.TimeSourceInternalOscillator
	}
	if c.FirstStepThreshold == 0 {
		c.FirstStepThreshold = 20000
	}
}

// Clock owns the ports of one PTP instance
type Clock struct {
	cfg      Config
	identity ptp.ClockIdentity

	ports     []*port.Port
	slavePort *port.Port

	parentIdentity ptp.PortIdentity
	parent         port.ParentDS
	stepsRemoved   uint16
	tp             port.TimePropertiesDS

	pi        *servo.PiServo
	rateRatio float64
	pathDelay time.Duration
	phcIndex  int

	// last sync sample, used to complete the E2E path delay
	lastT1 time.Time
	lastT2 time.Time

	lastFui *ptp.FollowUpInfoTLV
}

// New creates a clock that considers itself its own grandmaster until
// the election says otherwise.
func New(cfg Config, identity ptp.ClockIdentity) *Clock {
	cfg.Normalize()
	s := servo.DefaultServoConfig()
	s.FirstStepThreshold = cfg.FirstStepThreshold
	s.StepThreshold = cfg.StepThreshold
	s.FirstUpdate = true
	pi := servo.NewPiServo(s, servo.DefaultPiServoCfg(), 0)
	pi.SyncInterval(1)

	c := &Clock{
		cfg:       cfg,
		identity:  identity,
		pi:        pi,
		rateRatio: 1.0,
		phcIndex:  -1,
	}
	c.becomeGrandmaster()
	return c
}

// AddPort registers a port with the clock
func (c *Clock) AddPort(p *port.Port) {
	c.ports = append(c.ports, p)
}

// Ports returns all registered ports
func (c *Clock) Ports() []*port.Port {
	return c.ports
}

// becomeGrandmaster points the parent dataset at ourselves
func (c *Clock) becomeGrandmaster() {
	c.parentIdentity = ptp.PortIdentity{ClockIdentity: c.identity}
	c.parent = port.ParentDS{
		GrandmasterPriority1: c.cfg.Priority1,
		GrandmasterClockQuality: ptp.ClockQuality{
			ClockClass:              c.cfg.ClockClass,
			ClockAccuracy:           c.cfg.ClockAccuracy,
			OffsetScaledLogVariance: c.cfg.OffsetScaledLogVariance,
		},
		GrandmasterPriority2: c.cfg.Priority2,
		GrandmasterIdentity:  c.identity,
	}
	c.stepsRemoved = 0
	c.tp = port.TimePropertiesDS{
		CurrentUTCOffset: c.cfg.UTCOffset,
		Flags:            uint8(ptp.FlagPTPTimescale),
		TimeSource:       c.cfg.TimeSource,
	}
}

// defaultDataset is our own dataset as used in the election
func (c *Clock) defaultDataset() bmc.Dataset {
	return bmc.Dataset{
		Priority1: c.cfg.Priority1,
		Identity:  c.identity,
		Quality: ptp.ClockQuality{
			ClockClass:              c.cfg.ClockClass,
			ClockAccuracy:           c.cfg.ClockAccuracy,
			OffsetScaledLogVariance: c.cfg.OffsetScaledLogVariance,
		},
		Priority2: c.cfg.Priority2,
		Sender:    ptp.PortIdentity{ClockIdentity: c.identity},
		Receiver:  ptp.PortIdentity{ClockIdentity: c.identity},
	}
}

// updateParent adopts a foreign dataset as our parent
func (c *Clock) updateParent(d *bmc.Dataset) {
	c.parentIdentity = d.Sender
	c.parent = port.ParentDS{
		GrandmasterPriority1:    d.Priority1,
		GrandmasterClockQuality: d.Quality,
		GrandmasterPriority2:    d.Priority2,
		GrandmasterIdentity:     d.Identity,
	}
	c.stepsRemoved = d.StepsRemoved + 1
}

/*
StateDecision runs the best master election across all ports and feeds
the recommended-state events back into each port's state machine. Called
on STATE_DECISION_EVENT.
*/
func (c *Clock) StateDecision(now time.Time) {
	var best *bmc.Dataset
	for _, p := range c.ports {
		d := p.ComputeBest(now)
		if d == nil {
			continue
		}
		if best == nil || bmc.Dscmp(d, best).Better() {
			best = d
		}
	}

	own := c.defaultDataset()
	weAreBest := best == nil || bmc.Dscmp(&own, best).Better()
	if weAreBest {
		c.becomeGrandmaster()
	} else {
		c.updateParent(best)
	}

	for _, p := range c.ports {
		pbest := p.BestForeign()
		var ev port.Event
		switch {
		case weAreBest:
			if c.cfg.SlaveOnly {
				continue
			}
			ev = port.EvRSGrandMaster
		case pbest != nil && pbest.Sender == best.Sender:
			ev = port.EvRSSlave
		case pbest == nil:
			if c.cfg.SlaveOnly {
				continue
			}
			ev = port.EvRSMaster
		default:
			if c.cfg.SlaveOnly {
				continue
			}
			if bmc.Dscmp(&own, pbest).Better() {
				ev = port.EvRSMaster
			} else {
				ev = port.EvRSPassive
			}
		}
		p.Dispatch(ev, true)
	}
}

// port.Clock interface

// Identity returns the clock identity
func (c *Clock) Identity() ptp.ClockIdentity { return c.identity }

// DomainNumber returns the PTP domain
func (c *Clock) DomainNumber() uint8 { return c.cfg.DomainNumber }

// SlaveOnly reports whether this clock can ever be a master
func (c *Clock) SlaveOnly() bool { return c.cfg.SlaveOnly }

// TwoStep reports whether we transmit two-step
func (c *Clock) TwoStep() bool { return c.cfg.TwoStep }

// GMCapable reports whether this clock may act as 802.1AS grandmaster
func (c *Clock) GMCapable() bool { return c.cfg.GMCapable }

// StepsRemoved returns the current stepsRemoved
func (c *Clock) StepsRemoved() uint16 { return c.stepsRemoved }

// ParentIdentity returns the parent port identity
func (c *Clock) ParentIdentity() ptp.PortIdentity { return c.parentIdentity }

// ParentDS returns the parent dataset
func (c *Clock) ParentDS() port.ParentDS { return c.parent }

// TimeProperties returns the time properties dataset
func (c *Clock) TimeProperties() port.TimePropertiesDS { return c.tp }

// UpdateTimeProperties stores time properties learned from the parent
func (c *Clock) UpdateTimeProperties(tp port.TimePropertiesDS) { c.tp = tp }

// SkipSyncCheck reports whether SYNC from non-parent senders is accepted
func (c *Clock) SkipSyncCheck() bool { return c.cfg.SkipSyncCheck }

// RateRatio returns the ratio of our clock against the master's
func (c *Clock) RateRatio() float64 { return c.rateRatio }

// Description returns the static clock description
func (c *Clock) Description() port.Description {
	return port.Description{
		ClockType:            0x8000, // ordinaryClock
		ManufacturerIdentity: [3]uint8{},
		ProductDescription:   ptp.PTPText(c.cfg.ProductDescription),
		RevisionData:         ptp.PTPText(c.cfg.RevisionData),
		UserDescription:      ptp.PTPText(c.cfg.UserDescription),
	}
}

/*
Synchronize feeds one corrected sync sample into the servo.

	offset = t2 - t1c - meanPathDelay
*/
func (c *Clock) Synchronize(ingress, origin time.Time) port.ServoState {
	c.lastT1 = origin
	c.lastT2 = ingress

	offset := ingress.Sub(origin) - c.pathDelay
	freqAdj, state := c.pi.Sample(offset.Nanoseconds(), uint64(ingress.UnixNano()))
	log.Debugf("offset %10d freq %+7.0f path delay %9d (%s)",
		offset.Nanoseconds(), freqAdj, c.pathDelay.Nanoseconds(), state)
	c.rateRatio = 1.0 + freqAdj/1e9

	switch state {
	case servo.StateJump:
		return port.ServoJump
	case servo.StateLocked:
		return port.ServoLocked
	case servo.StateInit, servo.StateFilter:
		return port.ServoLocking
	}
	return port.ServoUnlocked
}

// PathDelay completes an end-to-end delay measurement using the most
// recent sync sample:
//
//	meanPathDelay = ((t2 - t1) + (t4 - t3)) / 2
func (c *Clock) PathDelay(t3, t4 time.Time) {
	if c.lastT1.IsZero() || c.lastT2.IsZero() {
		return
	}
	up := c.lastT2.Sub(c.lastT1)
	down := t4.Sub(t3)
	delay := (up + down) / 2
	if delay < 0 {
		log.Warningf("negative path delay %v", delay)
		return
	}
	c.pathDelay = delay
}

// PeerDelay stores the peer link delay measured by a P2P port
func (c *Clock) PeerDelay(delay time.Duration, t1, t2 time.Time, nrateRatio float64) {
	c.pathDelay = delay
}

// FollowUpInfo stores the latest 802.1AS follow-up information
func (c *Clock) FollowUpInfo(tlv *ptp.FollowUpInfoTLV) {
	c.lastFui = tlv
}

// SyncInterval tells the servo the master's sync cadence changed
func (c *Clock) SyncInterval(li ptp.LogInterval) {
	c.pi.SyncInterval(li.Duration().Seconds())
}

// SetSlavePort marks the port this clock is disciplined through
func (c *Clock) SetSlavePort(p *port.Port) {
	if c.slavePort == p {
		return
	}
	c.slavePort = p
	if p != nil {
		log.Infof("selected %s as slave port", p.Name())
	}
}

// SlavePort returns the currently designated slave port
func (c *Clock) SlavePort() *port.Port { return c.slavePort }

// SwitchPHC switches the disciplined PHC device, for boundary_clock_jbod
func (c *Clock) SwitchPHC(phcIndex int) error {
	if c.phcIndex != phcIndex {
		log.Infof("switching to PHC %d", phcIndex)
		c.phcIndex = phcIndex
		c.pi.Unlock()
	}
	return nil
}

// StateChanged is the notification sink for port state transitions
func (c *Clock) StateChanged(p *port.Port) {
	log.Infof("port %d (%s) is now %s", p.Identity().PortNumber, p.Name(), p.State())
}

// PathDelayValue returns the current mean path delay
func (c *Clock) PathDelayValue() time.Duration { return c.pathDelay }

// MeanFreq returns the servo's mean frequency adjustment
func (c *Clock) MeanFreq() float64 { return c.pi.MeanFreq() }
