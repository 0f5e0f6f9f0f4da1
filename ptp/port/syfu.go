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

// syfuState tracks which half of a two-step SYNC/FOLLOW_UP pair we hold
type syfuState uint8

const (
	sfEmpty syfuState = iota
	sfHaveSync
	sfHaveFup
)

// syfuEvent classifies an incoming SYNC or FOLLOW_UP against the held message
type syfuEvent uint8

const (
	syncMismatch syfuEvent = iota
	syncMatch
	fupMismatch
	fupMatch
)

// heldSyncFup is the single slot for the message the correlator holds:
// either a SYNC with its ingress timestamp, or a FOLLOW_UP.
type heldSyncFup struct {
	sync   *ptp.SyncDelayReq
	syncTS time.Time
	fup    *ptp.FollowUp
}

// flushLastSync releases whatever the correlator holds
func (p *Port) flushLastSync() {
	p.lastSyncFup = heldSyncFup{}
	p.syfu = sfEmpty
}

// matchedHeader reports whether two messages pair up on source port
// identity and sequence id
func matchedHeader(a, b *ptp.Header) bool {
	return a.SourcePortIdentity == b.SourcePortIdentity && a.SequenceID == b.SequenceID
}

/*
syfufsm handles out of order packets. The network stack might provide the
follow up _before_ the sync message. After all, they can arrive on two
different ports. In addition, time stamping in PHY devices might delay the
event packets.
*/
func (p *Port) syfufsm(event syfuEvent, sync *ptp.SyncDelayReq, syncTS time.Time, fup *ptp.FollowUp) {
	switch p.syfu {
	case sfEmpty:
		switch event {
		case syncMismatch:
			p.lastSyncFup = heldSyncFup{sync: sync, syncTS: syncTS}
			p.syfu = sfHaveSync
		case fupMismatch:
			// out-of-sequence Sync/Follow_Up is not expected in 802.1AS
			if p.is8021AS() {
				break
			}
			p.lastSyncFup = heldSyncFup{fup: fup}
			p.syfu = sfHaveFup
		case syncMatch:
		case fupMatch:
		}

	case sfHaveSync:
		switch event {
		case syncMismatch:
			p.lastSyncFup = heldSyncFup{sync: sync, syncTS: syncTS}
		case syncMatch:
		case fupMismatch:
			if p.is8021AS() {
				p.flushLastSync()
				break
			}
			p.lastSyncFup = heldSyncFup{fup: fup}
			p.syfu = sfHaveFup
		case fupMatch:
			held := p.lastSyncFup
			p.flushLastSync()
			p.synchronize(held.syncTS, fup.PreciseOriginTimestamp,
				held.sync.CorrectionField, fup.CorrectionField)
		}

	case sfHaveFup:
		switch event {
		case syncMismatch:
			p.lastSyncFup = heldSyncFup{sync: sync, syncTS: syncTS}
			p.syfu = sfHaveSync
		case syncMatch:
			held := p.lastSyncFup
			p.flushLastSync()
			p.synchronize(syncTS, held.fup.PreciseOriginTimestamp,
				sync.CorrectionField, held.fup.CorrectionField)
		case fupMismatch:
			p.lastSyncFup = heldSyncFup{fup: fup}
		case fupMatch:
		}
	}
}

// synchronize feeds one corrected sync sample to the clock servo and
// turns the verdict into port events.
func (p *Port) synchronize(ingress time.Time, origin ptp.Timestamp, correction1, correction2 ptp.Correction) {
	p.setSyncRxTmo()

	t1c := origin.Time().Add(correction1.Duration() + correction2.Duration())

	state := p.clock.Synchronize(ingress, t1c)
	switch state {
	case ServoUnlocked:
		p.Dispatch(EvSynchronizationFault, false)
	case ServoJump:
		p.Dispatch(EvSynchronizationFault, false)
		p.delayReq = nil
		p.peerDelayReq = nil
	case ServoLocked:
		p.Dispatch(EvMasterClockSelected, false)
	case ServoLocking:
		p.delayReq = nil
		p.peerDelayReq = nil
		if p.delayMechanism == ptp.DelayMechanismE2E {
			if err := p.delayRequest(); err != nil {
				p.Dispatch(EvFaultDetected, false)
			}
		}
	}
}
