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
	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

/*
Dispatch runs one event through the port state machine and performs the
side effects of the resulting transition. Two policies apply on top of
the raw tables:

  - faults whose retry interval is "immediate" are cleared right away by
    re-entering the machine with FAULT_CLEARED;
  - a transition into INITIALIZING reinitializes the port on the spot and
    follows up with INIT_COMPLETE or FAULT_DETECTED.
*/
func (p *Port) Dispatch(event Event, mdiff bool) {
	if p.clock.SlaveOnly() && (event == EvRSMaster || event == EvRSGrandMaster) {
		log.Warningf("port %d: defaultDS.priority1 probably misconfigured", p.identity.PortNumber)
	}

	next := p.stateMachine(p.state, event, mdiff)

	if next == ptp.PortStateFaulty {
		if p.faultInterval(p.lastFault).ASAP() {
			log.Infof("port %d: clearing fault immediately", p.identity.PortNumber)
			next = p.stateMachine(next, EvFaultCleared, false)
		}
	}
	if next == ptp.PortStateInitializing {
		// we initialize the port immediately, so we can skip right
		// to listening state if all goes well
		if p.enabled() {
			p.disable()
		}
		if err := p.initialize(); err != nil {
			log.Errorf("port %d: initialize: %v", p.identity.PortNumber, err)
			event = EvFaultDetected
		} else {
			event = EvInitComplete
		}
		next = p.stateMachine(next, event, false)
	}

	if next == p.state {
		return
	}

	log.Infof("port %d (%s): %s to %s on %s", p.identity.PortNumber, p.name,
		p.state, next, event)

	if p.delayMechanism == ptp.DelayMechanismP2P {
		p.p2pTransition(next)
	} else {
		p.e2eTransition(next)
	}

	p.state = next
	p.clock.StateChanged(p)

	if next == ptp.PortStateFaulty {
		interval := p.faultInterval(p.lastFault)
		log.Errorf("port %d: %s, retry in %s", p.identity.PortNumber, p.lastFault, interval.Duration())
		p.timers.ArmIn(TimerFault, interval.Duration())
	}

	if p.cfg.BoundaryClockJBOD && next == ptp.PortStateUncalibrated {
		if err := p.clock.SwitchPHC(p.cfg.PHCIndex); err != nil {
			p.lastFault = FaultSwitchPHC
			p.Dispatch(EvFaultDetected, false)
			return
		}
		p.clock.SyncInterval(p.logSyncInterval)
	}
}

// e2eTransition resets timers for a state change on an E2E port
func (p *Port) e2eTransition(next ptp.PortState) {
	p.timers.Disarm(TimerAnnounceRX)
	p.timers.Disarm(TimerSyncRX)
	p.timers.Disarm(TimerDelay)
	p.timers.Disarm(TimerQualification)
	p.timers.Disarm(TimerMAnno)
	p.timers.Disarm(TimerSyncTX)
	p.timers.Disarm(TimerFupRX)

	switch next {
	case ptp.PortStateInitializing:
	case ptp.PortStateFaulty, ptp.PortStateDisabled:
		p.disable()
	case ptp.PortStateListening:
		if p.clock.SlavePort() == p {
			p.clock.SetSlavePort(nil)
		}
		p.setAnnounceTmo()
	case ptp.PortStatePreMaster:
		p.setQualificationTmo()
	case ptp.PortStateMaster, ptp.PortStateGrandMaster:
		// first announce as fast as possible
		p.timers.ArmLog(TimerMAnno, 1, -10)
		p.setSyncTxTmo()
	case ptp.PortStatePassive:
		p.setAnnounceTmo()
	case ptp.PortStateUncalibrated:
		p.clock.SetSlavePort(p)
		p.flushLastSync()
		p.flushDelayReq()
		fallthrough
	case ptp.PortStateSlave:
		if !p.clock.SlaveOnly() {
			p.setAnnounceTmo()
		}
		p.setDelayTmo()
	}
}

// p2pTransition resets timers for a state change on a P2P port. The
// delay timer keeps running: peer delay measurement is continuous.
func (p *Port) p2pTransition(next ptp.PortState) {
	p.timers.Disarm(TimerAnnounceRX)
	p.timers.Disarm(TimerSyncRX)
	/* leave TimerDelay running */
	p.timers.Disarm(TimerQualification)
	p.timers.Disarm(TimerMAnno)
	p.timers.Disarm(TimerSyncTX)
	p.timers.Disarm(TimerFupRX)

	switch next {
	case ptp.PortStateInitializing:
	case ptp.PortStateFaulty, ptp.PortStateDisabled:
		p.disable()
	case ptp.PortStateListening:
		if p.clock.SlavePort() == p {
			p.clock.SetSlavePort(nil)
		}
		if !p.clock.SlaveOnly() {
			p.setAnnounceTmo()
		}
		p.setDelayTmo()
	case ptp.PortStatePreMaster:
		p.setQualificationTmo()
	case ptp.PortStateMaster, ptp.PortStateGrandMaster:
		// first announce as fast as possible
		p.timers.ArmLog(TimerMAnno, 1, -10)
		p.setSyncTxTmo()
	case ptp.PortStatePassive:
		p.setAnnounceTmo()
	case ptp.PortStateUncalibrated:
		p.clock.SetSlavePort(p)
		p.flushLastSync()
		p.flushPeerDelay()
		fallthrough
	case ptp.PortStateSlave:
		if !p.clock.SlaveOnly() {
			p.setAnnounceTmo()
		}
	}
}
