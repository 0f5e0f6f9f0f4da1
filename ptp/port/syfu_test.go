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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

func syncMsg(seq uint16, twoStep bool, correction float64) *ptp.SyncDelayReq {
	m := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 10,
			CorrectionField:    ptp.NewCorrection(correction),
			SourcePortIdentity: parentPortID,
			SequenceID:         seq,
			ControlField:       ptp.ControlSync,
			LogMessageInterval: -3,
		},
	}
	if twoStep {
		m.FlagField |= ptp.FlagTwoStep
	}
	return m
}

func fupMsg(seq uint16, originNS int64, correction float64) *ptp.FollowUp {
	return &ptp.FollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, 0),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 10,
			CorrectionField:    ptp.NewCorrection(correction),
			SourcePortIdentity: parentPortID,
			SequenceID:         seq,
			ControlField:       ptp.ControlFollowUp,
			LogMessageInterval: -3,
		},
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: ptp.NewTimestamp(time.Unix(0, originNS)),
		},
	}
}

// newSlaveFixture builds an E2E slave tracking parentPortID
func newSlaveFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := newFixture(t, cfg)
	f.open(t)
	f.recv(t, announceFrom(parentPortID, parentClockID, 1), time.Time{})
	f.recv(t, announceFrom(parentPortID, parentClockID, 2), time.Time{})
	require.NotNil(t, f.p.ComputeBest(f.now))
	f.slave(t)
	return f
}

func TestTwoStepSyncLock(t *testing.T) {
	f := newSlaveFixture(t, Config{LogSyncInterval: -3})

	// SYNC seq=7 arrives with hardware timestamp 1000ns, then FOLLOW_UP
	// with origin 500ns and correction 200ns
	ev := f.recv(t, syncMsg(7, true, 0), time.Unix(0, 1000))
	assert.Equal(t, EvNone, ev)
	assert.Equal(t, sfHaveSync, f.p.syfu)

	f.recv(t, fupMsg(7, 500, 200), time.Time{})
	assert.Equal(t, sfEmpty, f.p.syfu)

	require.Len(t, f.clock.synchronizeCalls, 1)
	call := f.clock.synchronizeCalls[0]
	assert.Equal(t, time.Unix(0, 1000), call.ingress)
	assert.Equal(t, time.Unix(0, 700), call.origin)
	// LOCKED verdict selects the master clock, the port stays SLAVE
	assert.Equal(t, ptp.PortStateSlave, f.p.State())
}

func TestReorderedSyncFollowUp(t *testing.T) {
	f := newSlaveFixture(t, Config{LogSyncInterval: -3})

	// FOLLOW_UP before its SYNC
	f.recv(t, fupMsg(9, 1000, 0), time.Time{})
	assert.Equal(t, sfHaveFup, f.p.syfu)

	f.recv(t, syncMsg(9, true, 0), time.Unix(0, 1500))
	assert.Equal(t, sfEmpty, f.p.syfu)

	require.Len(t, f.clock.synchronizeCalls, 1)
	call := f.clock.synchronizeCalls[0]
	assert.Equal(t, time.Unix(0, 1500), call.ingress)
	assert.Equal(t, time.Unix(0, 1000), call.origin)
}

func TestSyfuDuplicateSyncIdempotent(t *testing.T) {
	f := newSlaveFixture(t, Config{})

	f.recv(t, syncMsg(5, true, 0), time.Unix(0, 100))
	require.Equal(t, sfHaveSync, f.p.syfu)
	heldSeq := f.p.lastSyncFup.sync.SequenceID

	// a duplicate SYNC with the same sequence id replaces the held one,
	// the state does not change
	f.recv(t, syncMsg(5, true, 0), time.Unix(0, 200))
	assert.Equal(t, sfHaveSync, f.p.syfu)
	assert.Equal(t, heldSeq, f.p.lastSyncFup.sync.SequenceID)
	assert.Empty(t, f.clock.synchronizeCalls)
}

func TestSyfuGptpDropsFupBeforeSync(t *testing.T) {
	f := newFixture(t, Config{FollowUpInfo: true})
	f.open(t)
	// raise the asCapable gate so ANNOUNCE and FOLLOW_UP get through
	f.p.pdrMissing = 0
	f.p.peerPortIDValid = true
	f.p.nrate.ratioValid = true
	f.p.peerDelay = 50
	require.True(t, f.p.capable())

	f.recv(t, announceFrom(parentPortID, parentClockID, 1), time.Time{})
	require.NotNil(t, f.p.ComputeBest(f.now))
	f.slave(t)

	fup := fupMsg(9, 1000, 0)
	fui := ptp.NewFollowUpInfoTLV()
	fup.TLVs = append(fup.TLVs, fui)
	fup.MessageLength += 4 + fui.LengthField

	f.recv(t, fup, time.Time{})
	// out-of-order FOLLOW_UP is not held in 802.1AS
	assert.Equal(t, sfEmpty, f.p.syfu)
}

func TestOneStepSync(t *testing.T) {
	f := newSlaveFixture(t, Config{})

	m := syncMsg(3, false, 100)
	m.OriginTimestamp = ptp.NewTimestamp(time.Unix(0, 500))
	f.recv(t, m, time.Unix(0, 1000))

	require.Len(t, f.clock.synchronizeCalls, 1)
	call := f.clock.synchronizeCalls[0]
	assert.Equal(t, time.Unix(0, 1000), call.ingress)
	assert.Equal(t, time.Unix(0, 600), call.origin)
	assert.Equal(t, sfEmpty, f.p.syfu)
}

func TestSyncFromNonParentIgnored(t *testing.T) {
	f := newSlaveFixture(t, Config{})

	m := syncMsg(3, true, 0)
	m.SourcePortIdentity = ptp.PortIdentity{ClockIdentity: 0xbadbadbad, PortNumber: 1}
	f.recv(t, m, time.Unix(0, 1000))
	assert.Equal(t, sfEmpty, f.p.syfu)

	// unless the skip_sync_check toggle is on
	f.clock.skipSyncCheck = true
	f.recv(t, m, time.Unix(0, 1000))
	assert.Equal(t, sfHaveSync, f.p.syfu)
}

func TestSyncAdjustsSyncInterval(t *testing.T) {
	f := newSlaveFixture(t, Config{LogSyncInterval: 0})

	f.recv(t, syncMsg(3, true, 0), time.Unix(0, 1000))
	require.NotEmpty(t, f.clock.syncIntervals)
	assert.Equal(t, ptp.LogInterval(-3), f.clock.syncIntervals[0])
	assert.Equal(t, ptp.LogInterval(-3), f.p.logSyncInterval)

	// bogus intervals are ignored for cadence purposes
	m := syncMsg(4, true, 0)
	m.LogMessageInterval = 25
	f.recv(t, m, time.Unix(0, 1000))
	assert.Equal(t, ptp.LogInterval(-3), f.p.logSyncInterval)
}

func TestServoJumpDropsDelayReq(t *testing.T) {
	f := newSlaveFixture(t, Config{})
	f.clock.servoState = ServoJump
	f.p.delayReq = &sentRequest{}

	f.recv(t, syncMsg(3, false, 0), time.Unix(0, 1000))
	// JUMP raises a synchronization fault and forgets the pending request
	assert.Nil(t, f.p.delayReq)
	assert.Equal(t, ptp.PortStateUncalibrated, f.p.State())
}

func TestServoLockingRequestsDelay(t *testing.T) {
	f := newSlaveFixture(t, Config{})
	f.clock.servoState = ServoLocking
	f.trans.txts = f.now

	f.recv(t, syncMsg(3, false, 0), time.Unix(0, 1000))
	// LOCKING re-issues a fresh delay request on E2E ports
	require.NotNil(t, f.p.delayReq)
	require.NotEmpty(t, f.trans.event)
	msgType, err := ptp.ProbeMsgType(f.trans.event[len(f.trans.event)-1])
	require.NoError(t, err)
	assert.Equal(t, ptp.MessageDelayReq, msgType)
}
