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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

const (
	ownClockID    ptp.ClockIdentity = 0x0c42a1fffe6d7ca6
	parentClockID ptp.ClockIdentity = 0x04827ffffe2d6ac5
)

var parentPortID = ptp.PortIdentity{ClockIdentity: parentClockID, PortNumber: 1}

// syncCall records one servo feed
type syncCall struct {
	ingress time.Time
	origin  time.Time
}

// fakeClock implements Clock for tests
type fakeClock struct {
	identity       ptp.ClockIdentity
	domain         uint8
	slaveOnly      bool
	twoStep        bool
	gmCapable      bool
	skipSyncCheck  bool
	parentIdentity ptp.PortIdentity
	parent         ParentDS
	stepsRemoved   uint16
	tp             TimePropertiesDS
	rateRatio      float64
	servoState     ServoState
	slavePort      *Port

	synchronizeCalls []syncCall
	pathDelayCalls   [][2]time.Time
	peerDelayCalls   []time.Duration
	fuiCalls         []*ptp.FollowUpInfoTLV
	syncIntervals    []ptp.LogInterval
	switchPHCErr     error
	tpUpdates        []TimePropertiesDS
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		identity:       ownClockID,
		twoStep:        true,
		gmCapable:      true,
		parentIdentity: parentPortID,
		parent: ParentDS{
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              ptp.ClockClass6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  parentClockID,
		},
		rateRatio:  1.0,
		servoState: ServoLocked,
	}
}

func (c *fakeClock) Identity() ptp.ClockIdentity        { return c.identity }
func (c *fakeClock) DomainNumber() uint8                { return c.domain }
func (c *fakeClock) SlaveOnly() bool                    { return c.slaveOnly }
func (c *fakeClock) TwoStep() bool                      { return c.twoStep }
func (c *fakeClock) GMCapable() bool                    { return c.gmCapable }
func (c *fakeClock) StepsRemoved() uint16               { return c.stepsRemoved }
func (c *fakeClock) ParentIdentity() ptp.PortIdentity   { return c.parentIdentity }
func (c *fakeClock) ParentDS() ParentDS                 { return c.parent }
func (c *fakeClock) TimeProperties() TimePropertiesDS   { return c.tp }
func (c *fakeClock) SkipSyncCheck() bool                { return c.skipSyncCheck }
func (c *fakeClock) RateRatio() float64                 { return c.rateRatio }
func (c *fakeClock) Description() Description           { return Description{ClockType: 0x8000} }
func (c *fakeClock) SetSlavePort(p *Port)               { c.slavePort = p }
func (c *fakeClock) SlavePort() *Port                   { return c.slavePort }
func (c *fakeClock) SwitchPHC(phcIndex int) error       { return c.switchPHCErr }
func (c *fakeClock) StateChanged(p *Port)               {}
func (c *fakeClock) SyncInterval(li ptp.LogInterval)    { c.syncIntervals = append(c.syncIntervals, li) }
func (c *fakeClock) FollowUpInfo(f *ptp.FollowUpInfoTLV) {
	c.fuiCalls = append(c.fuiCalls, f)
}
func (c *fakeClock) UpdateTimeProperties(tp TimePropertiesDS) {
	c.tp = tp
	c.tpUpdates = append(c.tpUpdates, tp)
}
func (c *fakeClock) Synchronize(ingress, origin time.Time) ServoState {
	c.synchronizeCalls = append(c.synchronizeCalls, syncCall{ingress: ingress, origin: origin})
	return c.servoState
}
func (c *fakeClock) PathDelay(t3, t4 time.Time) {
	c.pathDelayCalls = append(c.pathDelayCalls, [2]time.Time{t3, t4})
}
func (c *fakeClock) PeerDelay(delay time.Duration, t1, t2 time.Time, nrateRatio float64) {
	c.peerDelayCalls = append(c.peerDelayCalls, delay)
}

// fakeTransport implements Transport for tests
type fakeTransport struct {
	opened bool
	txts   time.Time

	event       [][]byte
	general     [][]byte
	eventPeer   [][]byte
	generalPeer [][]byte
	eventTo     []netip.AddrPort
	generalTo   []netip.AddrPort

	openErr error
	sendErr error
}

func (f *fakeTransport) Type() ptp.TransportType { return ptp.TransportTypeUDPIPV4 }
func (f *fakeTransport) Open(iface string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}
func (f *fakeTransport) Close() error {
	f.opened = false
	return nil
}
func (f *fakeTransport) SendEvent(b []byte) (time.Time, error) {
	if f.sendErr != nil {
		return time.Time{}, f.sendErr
	}
	f.event = append(f.event, append([]byte{}, b...))
	return f.txts, nil
}
func (f *fakeTransport) SendGeneral(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.general = append(f.general, append([]byte{}, b...))
	return nil
}
func (f *fakeTransport) SendEventPeer(b []byte) (time.Time, error) {
	if f.sendErr != nil {
		return time.Time{}, f.sendErr
	}
	f.eventPeer = append(f.eventPeer, append([]byte{}, b...))
	return f.txts, nil
}
func (f *fakeTransport) SendGeneralPeer(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.generalPeer = append(f.generalPeer, append([]byte{}, b...))
	return nil
}
func (f *fakeTransport) SendEventTo(b []byte, addr netip.AddrPort) (time.Time, error) {
	if f.sendErr != nil {
		return time.Time{}, f.sendErr
	}
	f.event = append(f.event, append([]byte{}, b...))
	f.eventTo = append(f.eventTo, addr)
	return f.txts, nil
}
func (f *fakeTransport) SendGeneralTo(b []byte, addr netip.AddrPort) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.general = append(f.general, append([]byte{}, b...))
	f.generalTo = append(f.generalTo, addr)
	return nil
}
func (f *fakeTransport) PhysicalAddr() []byte { return []byte{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xa6} }
func (f *fakeTransport) ProtocolAddr() []byte { return []byte{192, 168, 0, 1} }

// test fixture

type fixture struct {
	p     *Port
	clock *fakeClock
	trans *fakeTransport
	now   time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock: newFakeClock(),
		trans: &fakeTransport{},
		now:   time.Unix(1653574585, 0),
	}
	if cfg.Interface == "" {
		cfg.Interface = "eth0"
	}
	f.p = New(cfg, f.clock, f.trans, WithClockFunc(func() time.Time { return f.now }))
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	f.p.Open()
	require.Equal(t, ptp.PortStateListening, f.p.State())
	require.True(t, f.trans.opened)
}

// slave moves the port into SLAVE state via the usual event path
func (f *fixture) slave(t *testing.T) {
	t.Helper()
	f.p.Dispatch(EvRSSlave, false)
	require.Equal(t, ptp.PortStateUncalibrated, f.p.State())
	f.p.Dispatch(EvMasterClockSelected, false)
	require.Equal(t, ptp.PortStateSlave, f.p.State())
}

func testAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 0, 2}), 319)
}

func announceFrom(sender ptp.PortIdentity, gm ptp.ClockIdentity, seq uint16) *ptp.Announce {
	m := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 30,
			SourcePortIdentity: sender,
			SequenceID:         seq,
			ControlField:       ptp.ControlOther,
			LogMessageInterval: 1,
		},
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset:     37,
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              ptp.ClockClass6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  gm,
			StepsRemoved:         0,
			TimeSource:           ptp.TimeSourceGNSS,
		},
	}
	return m
}

func (f *fixture) recv(t *testing.T, pkt ptp.Packet, ts time.Time) Event {
	t.Helper()
	b, err := ptp.Bytes(pkt)
	require.NoError(t, err)
	return f.p.Recv(b, ts, testAddr())
}

// tests

func TestPortOpenClose(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	// fill some pending state
	f.p.delayReq = &sentRequest{}
	f.p.lastSyncFup = heldSyncFup{sync: &ptp.SyncDelayReq{}}
	f.p.syfu = sfHaveSync
	f.p.addForeignMaster(announceFrom(parentPortID, parentClockID, 1), f.now, testAddr())

	f.p.Close()
	// no held messages, no timers, no transport left
	assert.Nil(t, f.p.delayReq)
	assert.Nil(t, f.p.peerDelayReq)
	assert.Nil(t, f.p.peerDelayResp)
	assert.Nil(t, f.p.peerDelayFup)
	assert.Equal(t, sfEmpty, f.p.syfu)
	assert.Empty(t, f.p.foreign)
	assert.False(t, f.trans.opened)
	_, armed := f.p.NextDeadline()
	assert.False(t, armed)
}

func TestPortInitializeFailureGoesFaulty(t *testing.T) {
	f := newFixture(t, Config{
		FaultResetInterval: FaultInterval{Type: FaultIntervalLog2Seconds, Val: 4},
	})
	f.trans.openErr = assert.AnError
	f.p.Open()
	assert.Equal(t, ptp.PortStateFaulty, f.p.State())
	// fault timer armed for the retry
	_, armed := f.p.NextDeadline()
	assert.True(t, armed)
}

func TestPortFaultClearedASAP(t *testing.T) {
	f := newFixture(t, Config{
		FaultResetInterval: FaultInterval{Type: FaultIntervalLog2Seconds, Val: FaultResetASAP},
	})
	f.open(t)
	// a detected fault reinitializes immediately and lands in LISTENING
	f.p.Dispatch(EvFaultDetected, false)
	assert.Equal(t, ptp.PortStateListening, f.p.State())
}

func TestIgnoreRules(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	// own source port identity
	m := announceFrom(f.p.Identity(), parentClockID, 1)
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)

	// wrong domain
	m = announceFrom(parentPortID, parentClockID, 2)
	m.DomainNumber = 5
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)

	// wrong transportSpecific
	m = announceFrom(parentPortID, parentClockID, 3)
	m.SdoIDAndMsgType = ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 1)
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)

	// own clock identity as sender
	m = announceFrom(ptp.PortIdentity{ClockIdentity: ownClockID, PortNumber: 7}, parentClockID, 4)
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)
}

func TestIgnorePathTraceLoop(t *testing.T) {
	f := newFixture(t, Config{PathTraceEnabled: true})
	f.open(t)

	m := announceFrom(parentPortID, parentClockID, 1)
	ptt := ptp.NewPathTraceTLV([]ptp.ClockIdentity{parentClockID, ownClockID})
	m.TLVs = append(m.TLVs, ptt)
	m.MessageLength += 4 + ptt.LengthField

	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)
}

func TestAnnounceStepsRemoved255Dropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	m := announceFrom(parentPortID, parentClockID, 1)
	m.StepsRemoved = 255
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)
}

func TestAnnounceOwnGrandmasterDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	m := announceFrom(parentPortID, ownClockID, 1)
	assert.Equal(t, EvNone, f.recv(t, m, time.Time{}))
	assert.Empty(t, f.p.foreign)
}

func TestBMCThreshold(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	// first announce from a new master: registered but below threshold
	ev := f.recv(t, announceFrom(parentPortID, parentClockID, 1), time.Time{})
	assert.Equal(t, EvNone, ev)
	assert.Nil(t, f.p.ComputeBest(f.now))

	// second announce with identical grandmaster fields crosses it
	ev = f.recv(t, announceFrom(parentPortID, parentClockID, 2), time.Time{})
	assert.Equal(t, EvStateDecision, ev)
	best := f.p.ComputeBest(f.now)
	require.NotNil(t, best)
	assert.Equal(t, parentClockID, best.Identity)
	assert.Equal(t, parentPortID, best.Sender)
}

func TestForeignMasterPrune(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	for seq := uint16(0); seq < 5; seq++ {
		f.recv(t, announceFrom(parentPortID, parentClockID, seq), time.Time{})
	}
	fc := f.p.foreign[parentPortID]
	require.NotNil(t, fc)
	fc.prune(f.now)
	assert.LessOrEqual(t, len(fc.messages), ForeignMasterThreshold)

	// aging: messages older than 4 * 2^logAnnounceInterval go away
	f.advance(10 * time.Second)
	fc.prune(f.now)
	assert.Empty(t, fc.messages)
}

func TestUpdateCurrentMasterRefreshesTimeProperties(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	f.recv(t, announceFrom(parentPortID, parentClockID, 1), time.Time{})
	f.recv(t, announceFrom(parentPortID, parentClockID, 2), time.Time{})
	require.NotNil(t, f.p.ComputeBest(f.now))
	f.slave(t)

	m := announceFrom(parentPortID, parentClockID, 3)
	m.CurrentUTCOffset = 38
	f.recv(t, m, time.Time{})
	require.NotEmpty(t, f.clock.tpUpdates)
	assert.Equal(t, int16(38), f.clock.tpUpdates[len(f.clock.tpUpdates)-1].CurrentUTCOffset)
	// announce receipt timer was reset
	assert.True(t, f.p.timers.Armed(TimerAnnounceRX))
}

func TestAnnounceTimeoutBecomesMaster(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)

	deadline, ok := f.p.NextDeadline()
	require.True(t, ok)
	f.now = deadline.Add(time.Millisecond)
	events := f.p.Tick(f.now)
	require.Contains(t, events, EvAnnounceReceiptTimeoutExpires)
	for _, ev := range events {
		f.p.Dispatch(ev, false)
	}
	assert.Equal(t, ptp.PortStateMaster, f.p.State())
	// master timers armed
	assert.True(t, f.p.timers.Armed(TimerMAnno))
	assert.True(t, f.p.timers.Armed(TimerSyncTX))
}

func TestMasterTransmitsAnnounceAndSync(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)
	f.p.Dispatch(EvAnnounceReceiptTimeoutExpires, false)
	require.Equal(t, ptp.PortStateMaster, f.p.State())

	f.trans.txts = f.now
	// first manno fires ~1ms in
	f.advance(10 * time.Millisecond)
	f.p.Tick(f.now)
	require.NotEmpty(t, f.trans.general)
	msgType, err := ptp.ProbeMsgType(f.trans.general[0])
	require.NoError(t, err)
	assert.Equal(t, ptp.MessageAnnounce, msgType)

	// sync + follow up a second later
	f.advance(time.Second)
	f.p.Tick(f.now)
	require.NotEmpty(t, f.trans.event)
	msgType, err = ptp.ProbeMsgType(f.trans.event[0])
	require.NoError(t, err)
	assert.Equal(t, ptp.MessageSync, msgType)
	// two-step: follow up went out on the general port
	last := f.trans.general[len(f.trans.general)-1]
	msgType, err = ptp.ProbeMsgType(last)
	require.NoError(t, err)
	assert.Equal(t, ptp.MessageFollowUp, msgType)
}

func TestDeferredFollowUp(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)
	f.p.Dispatch(EvAnnounceReceiptTimeoutExpires, false)

	// no tx timestamp available at send time
	f.trans.txts = time.Time{}
	f.advance(10 * time.Millisecond)
	f.advance(time.Second)
	f.p.Tick(f.now)
	require.NotNil(t, f.p.deferredFup)
	fupsBefore := len(f.trans.general)

	// the tx-timestamp event releases the held follow up
	seq := f.p.deferredFup.SequenceID
	f.p.ProcessTxTimestamp(ptp.MessageSync, seq, f.now)
	assert.Nil(t, f.p.deferredFup)
	require.Greater(t, len(f.trans.general), fupsBefore)
	last := f.trans.general[len(f.trans.general)-1]
	msgType, err := ptp.ProbeMsgType(last)
	require.NoError(t, err)
	assert.Equal(t, ptp.MessageFollowUp, msgType)
}

func TestSequenceNumbersIncrease(t *testing.T) {
	f := newFixture(t, Config{})
	f.open(t)
	f.p.Dispatch(EvAnnounceReceiptTimeoutExpires, false)
	f.trans.txts = f.now

	require.NoError(t, f.p.txAnnounce())
	require.NoError(t, f.p.txAnnounce())
	first := &ptp.Announce{}
	second := &ptp.Announce{}
	require.NoError(t, ptp.FromBytes(f.trans.general[0], first))
	require.NoError(t, ptp.FromBytes(f.trans.general[1], second))
	assert.Equal(t, first.SequenceID+1, second.SequenceID)
}
