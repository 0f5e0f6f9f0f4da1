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
Package port implements the per-interface PTP port engine: the port state
machine, the five-plus timers each port owns, the foreign master store
feeding the best master election, the out-of-order SYNC/FOLLOW_UP
correlator, the end-to-end and peer-to-peer delay engines with the
802.1AS neighbor rate estimator and asCapable gate, the transmit path,
and the management TLV responder.

The port is single-threaded by design: the owning clock runs a readiness
loop and calls Recv, Tick and ProcessTxTimestamp to completion, routing
the events they return back into Dispatch or the clock's state decision.
*/
package port

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/ptp/tsproc"
)

const (
	allowedLostResponses = 3
	announceSpan         = 1
)

// sentRequest remembers the header and egress timestamp of an in-flight
// event message we originated
type sentRequest struct {
	hdr ptp.Header
	ts  time.Time
}

// rxPDelayResp is a received PDELAY_RESP with its ingress timestamp
type rxPDelayResp struct {
	msg *ptp.PDelayResp
	ts  time.Time
}

type sequenceIDs struct {
	announce uint16
	sync     uint16
	delayreq uint16
}

// Port is one interface running PTP
type Port struct {
	name     string
	identity ptp.PortIdentity
	clock    Clock
	trans    Transport
	cfg      Config
	stats    Stats

	stateMachine StateMachine
	state        ptp.PortState
	timers       *timerSet
	now          func() time.Time

	delayMechanism         ptp.DelayMechanism
	logMinDelayReqInterval ptp.LogInterval
	logSyncInterval        ptp.LogInterval // follows the master's sync cadence
	asymmetry              ptp.Correction
	asCapable              bool
	seq                    sequenceIDs

	// single-slot pending exchanges, replaced-on-new
	syfu          syfuState
	lastSyncFup   heldSyncFup
	delayReq      *sentRequest
	peerDelayReq  *sentRequest
	peerDelayResp *rxPDelayResp
	peerDelayFup  *ptp.PDelayRespFollowUp

	// two-step transmit waiting for its egress timestamp
	deferredFup *ptp.FollowUp

	foreign map[ptp.PortIdentity]*foreignClock
	best    *foreignClock

	nrate               nrateEstimator
	pdrMissing          uint
	multipleSeqPdrCount uint
	multiplePdrDetected bool
	peerPortID          ptp.PortIdentity
	peerPortIDValid     bool
	peerDelay           time.Duration
	peerMeanPathDelay   ptp.TimeInterval

	tsp *tsproc.Processor

	lastFault FaultType
}

// Option customizes a Port at construction time
type Option func(p *Port)

// WithClockFunc overrides the time source the port's timers use, for tests
func WithClockFunc(now func() time.Time) Option {
	return func(p *Port) {
		p.now = now
		p.timers = newTimerSet(now)
	}
}

// New creates a port in the INITIALIZING state. Open must be called to
// bring it up.
func New(cfg Config, clock Clock, trans Transport, opts ...Option) *Port {
	cfg.Normalize()
	p := &Port{
		name: cfg.Interface,
		identity: ptp.PortIdentity{
			ClockIdentity: clock.Identity(),
			PortNumber:    cfg.PortNumber,
		},
		clock:          clock,
		trans:          trans,
		cfg:            cfg,
		state:          ptp.PortStateInitializing,
		now:            time.Now,
		delayMechanism: cfg.DelayMechanism,
		asymmetry:      ptp.NewCorrection(float64(cfg.DelayAsymmetry.Nanoseconds())),
		foreign:        make(map[ptp.PortIdentity]*foreignClock),
		tsp:            tsproc.New(cfg.TsprocMode, cfg.DelayFilter, cfg.DelayFilterLength),
	}
	p.timers = newTimerSet(nil)
	if clock.SlaveOnly() {
		p.stateMachine = PtpSlaveFSM
	} else {
		p.stateMachine = PtpFSM
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open brings the port up by dispatching INITIALIZE
func (p *Port) Open() {
	p.Dispatch(EvInitialize, false)
}

// Close releases everything the port owns: timers, transport, foreign
// masters and all held messages.
func (p *Port) Close() {
	if p.enabled() {
		p.disable()
	}
}

// Name returns the interface name
func (p *Port) Name() string {
	return p.name
}

// Identity returns the port identity
func (p *Port) Identity() ptp.PortIdentity {
	return p.identity
}

// State returns the current port state
func (p *Port) State() ptp.PortState {
	return p.state
}

// AsCapable reports whether the port may participate per the 802.1AS gate
func (p *Port) AsCapable() bool {
	return p.asCapable
}

// PeerMeanPathDelay returns the current filtered peer delay
func (p *Port) PeerMeanPathDelay() ptp.TimeInterval {
	return p.peerMeanPathDelay
}

// DelayMechanism returns the effective delay mechanism
func (p *Port) DelayMechanism() ptp.DelayMechanism {
	return p.delayMechanism
}

// LastFault returns the kind of the most recent fault
func (p *Port) LastFault() FaultType {
	return p.lastFault
}

// NextDeadline returns the earliest pending timer deadline
func (p *Port) NextDeadline() (time.Time, bool) {
	return p.timers.Next()
}

// is8021AS reports whether the port runs the gPTP profile
func (p *Port) is8021AS() bool {
	return p.cfg.FollowUpInfo
}

func (p *Port) faultInterval(ft FaultType) FaultInterval {
	if ft == FaultBadPeerNetwork {
		return p.cfg.FaultBadPeerNetInterval
	}
	return p.cfg.FaultResetInterval
}

/*
capable evaluates the asCapable conjunction for 802.1AS ports: peer delay
within bounds, few enough lost pdelay responses, no multiple-response
streak, a stable peer port identity and a valid neighbor rate ratio.
Ports running the default profile are always capable.
*/
func (p *Port) capable() bool {
	if !p.is8021AS() {
		p.asCapable = true
		return true
	}

	capable := false
	switch {
	case int64(p.peerDelay) > int64(p.cfg.NeighborPropDelayThresh):
		if p.asCapable {
			log.Debugf("port %d: peer_delay (%d) > neighborPropDelayThresh (%d), resetting asCapable",
				p.identity.PortNumber, p.peerDelay.Nanoseconds(), p.cfg.NeighborPropDelayThresh)
		}
	case int64(p.peerDelay) < p.cfg.MinNeighborPropDelay:
		if p.asCapable {
			log.Debugf("port %d: peer_delay (%d) < min_neighbor_prop_delay (%d), resetting asCapable",
				p.identity.PortNumber, p.peerDelay.Nanoseconds(), p.cfg.MinNeighborPropDelay)
		}
	case p.pdrMissing > allowedLostResponses:
		if p.asCapable {
			log.Debugf("port %d: missed %d peer delay resp, resetting asCapable",
				p.identity.PortNumber, p.pdrMissing)
		}
	case p.multipleSeqPdrCount != 0:
		if p.asCapable {
			log.Debugf("port %d: multiple sequential peer delay resp, resetting asCapable",
				p.identity.PortNumber)
		}
	case !p.peerPortIDValid:
		if p.asCapable {
			log.Debugf("port %d: invalid peer port id, resetting asCapable", p.identity.PortNumber)
		}
	case !p.nrate.ratioValid:
		if p.asCapable {
			log.Debugf("port %d: invalid nrate, resetting asCapable", p.identity.PortNumber)
		}
	default:
		capable = true
	}

	if capable {
		if !p.asCapable {
			log.Debugf("port %d: setting asCapable", p.identity.PortNumber)
		}
		p.asCapable = true
		return true
	}
	if p.asCapable {
		p.nrateInitialize()
	}
	p.asCapable = false
	return false
}

// syncIncapable tests whether a 802.1AS port may transmit a sync message
func (p *Port) syncIncapable() bool {
	if !p.is8021AS() {
		return false
	}
	if p.clock.GMCapable() {
		return false
	}
	// we are the GM, but without gmCapable set
	return p.clock.ParentIdentity().ClockIdentity == p.clock.Identity()
}

// timer setters

func (p *Port) setAnnounceTmo() {
	p.timers.ArmRandom(TimerAnnounceRX, int(p.cfg.AnnounceReceiptTimeout), announceSpan, p.cfg.LogAnnounceInterval)
}

func (p *Port) setDelayTmo() {
	switch p.delayMechanism {
	case ptp.DelayMechanismP2P:
		p.timers.ArmLog(TimerDelay, 1, p.cfg.LogMinPdelayReqInterval)
	case ptp.DelayMechanismNone:
		p.timers.Disarm(TimerDelay)
	default:
		p.timers.ArmRandom(TimerDelay, 0, 2, int(p.logMinDelayReqInterval))
	}
}

func (p *Port) setMannoTmo() {
	p.timers.ArmLog(TimerMAnno, 1, p.cfg.LogAnnounceInterval)
}

func (p *Port) setQualificationTmo() {
	p.timers.ArmLog(TimerQualification, 1+uint(p.clock.StepsRemoved()), p.cfg.LogAnnounceInterval)
}

func (p *Port) setSyncRxTmo() {
	p.timers.ArmLog(TimerSyncRX, uint(p.cfg.SyncReceiptTimeout), int(p.logSyncInterval))
}

func (p *Port) setSyncTxTmo() {
	p.timers.ArmLog(TimerSyncTX, 1, p.cfg.LogSyncInterval)
}

func (p *Port) setFupRxTmo() {
	p.timers.ArmLog(TimerFupRX, uint(p.cfg.FollowUpReceiptTimeout), int(p.logSyncInterval))
}

// ignore rules

// incapableIgnore drops ANNOUNCE and SYNC while the asCapable gate is down
func (p *Port) incapableIgnore(t ptp.MessageType) bool {
	if p.capable() {
		return false
	}
	return t == ptp.MessageAnnounce || t == ptp.MessageSync
}

// pathTraceIgnore drops announcements whose path trace contains our own
// identity, which means a loop
func (p *Port) pathTraceIgnore(pkt ptp.Packet) bool {
	if !p.cfg.PathTraceEnabled {
		return false
	}
	m, ok := pkt.(*ptp.Announce)
	if !ok {
		return false
	}
	for _, tlv := range m.TLVs {
		if ptt, ok := tlv.(*ptp.PathTraceTLV); ok {
			if ptt.Has(p.clock.Identity()) {
				return true
			}
		}
	}
	return false
}

// ignore decides whether a received message must be dropped with no side effects
func (p *Port) ignore(hdr *ptp.Header, pkt ptp.Packet) bool {
	t := hdr.MessageType()
	if p.incapableIgnore(t) {
		return true
	}
	if p.pathTraceIgnore(pkt) {
		return true
	}
	if hdr.SdoIDAndMsgType.TransportSpecific() != p.cfg.TransportSpecific {
		return true
	}
	if hdr.SourcePortIdentity == p.identity {
		return true
	}
	if hdr.DomainNumber != p.clock.DomainNumber() {
		return true
	}
	if hdr.SourcePortIdentity.ClockIdentity == p.clock.Identity() {
		// keep our own Pdelay_Resp so processPDelayResp can report it leaking back
		return t != ptp.MessagePDelayResp
	}
	return false
}

// Recv parses one raw datagram and runs the per-type handler. The ingress
// timestamp must be set for event messages. The returned event is EvNone,
// EvStateDecision (the clock must re-run the best master election) or
// EvFaultDetected.
func (p *Port) Recv(b []byte, ts time.Time, addr netip.AddrPort) Event {
	pkt, err := ptp.DecodePacket(b)
	if err != nil {
		p.stats.BadMessages++
		log.Errorf("port %d: bad message: %v", p.identity.PortNumber, err)
		return EvNone
	}
	msgType := pkt.MessageType()
	if msgType.Event() && ts.IsZero() {
		p.stats.MissingTimestamps++
		log.Errorf("port %d: received %s without timestamp", p.identity.PortNumber, msgType)
		return EvNone
	}
	if !ts.IsZero() && p.cfg.IngressLatency != 0 {
		ts = ts.Add(-p.cfg.IngressLatency)
	}

	hdr := headerOf(pkt)
	if hdr == nil {
		return EvNone
	}
	if p.ignore(hdr, pkt) {
		p.stats.Ignored++
		return EvNone
	}
	p.stats.IncRX(msgType)

	event := EvNone
	switch msg := pkt.(type) {
	case *ptp.SyncDelayReq:
		if msgType == ptp.MessageSync {
			p.processSync(msg, ts)
		} else {
			if err := p.processDelayReq(msg, ts, addr); err != nil {
				event = EvFaultDetected
			}
		}
	case *ptp.PDelayReq:
		if err := p.processPDelayReq(msg, ts, addr); err != nil {
			event = EvFaultDetected
		}
	case *ptp.PDelayResp:
		if err := p.processPDelayResp(msg, ts); err != nil {
			event = EvFaultDetected
		}
	case *ptp.FollowUp:
		p.processFollowUp(msg)
	case *ptp.DelayResp:
		p.processDelayResp(msg)
	case *ptp.PDelayRespFollowUp:
		p.processPDelayRespFup(msg)
	case *ptp.Announce:
		// announce aging runs on the local clock, not the ingress timestamp
		if p.processAnnounce(msg, p.now(), addr) {
			event = EvStateDecision
		}
	case *ptp.Signaling:
		// parsed but not acted upon
	case *ptp.Management:
		p.processManagement(msg, addr)
	case *ptp.ManagementMsgErrorStatus:
		// a response, nothing for us to do
	}
	return event
}

func headerOf(pkt ptp.Packet) *ptp.Header {
	switch msg := pkt.(type) {
	case *ptp.SyncDelayReq:
		return &msg.Header
	case *ptp.PDelayReq:
		return &msg.Header
	case *ptp.PDelayResp:
		return &msg.Header
	case *ptp.FollowUp:
		return &msg.Header
	case *ptp.DelayResp:
		return &msg.Header
	case *ptp.PDelayRespFollowUp:
		return &msg.Header
	case *ptp.Announce:
		return &msg.Header
	case *ptp.Signaling:
		return &msg.Header
	case *ptp.Management:
		return &msg.Header
	case *ptp.ManagementMsgErrorStatus:
		return &msg.Header
	}
	return nil
}

// message handlers

// processAnnounce returns whether the announcement is both qualified and
// different, requiring a new state decision.
func (p *Port) processAnnounce(m *ptp.Announce, rx time.Time, addr netip.AddrPort) bool {
	// grandmaster cannot be self
	if m.GrandmasterIdentity == p.clock.Identity() {
		return false
	}
	// do not qualify announce messages with stepsRemoved >= 255,
	// see 9.3.2.5 (d)
	if m.StepsRemoved >= 255 {
		return false
	}

	switch p.state {
	case ptp.PortStateListening, ptp.PortStatePreMaster,
		ptp.PortStateMaster, ptp.PortStateGrandMaster:
		return p.addForeignMaster(m, rx, addr)
	case ptp.PortStatePassive, ptp.PortStateUncalibrated, ptp.PortStateSlave:
		return p.updateCurrentMaster(m, rx, addr)
	}
	return false
}

// clampRxInterval bounds a logMessageInterval learned from received
// messages; out-of-range values are logged and do not adjust cadence.
func (p *Port) clampRxInterval(li ptp.LogInterval) (ptp.LogInterval, bool) {
	if li < -10 || li > 22 {
		log.Infof("port %d: ignore bogus message interval 2^%d", p.identity.PortNumber, li)
		return 0, false
	}
	return li, true
}

func (p *Port) processSync(m *ptp.SyncDelayReq, ts time.Time) {
	switch p.state {
	case ptp.PortStateUncalibrated, ptp.PortStateSlave:
	default:
		return
	}

	if !p.clock.SkipSyncCheck() && p.clock.ParentIdentity() != m.SourcePortIdentity {
		return
	}

	if m.LogMessageInterval != p.logSyncInterval {
		if li, ok := p.clampRxInterval(m.LogMessageInterval); ok {
			p.logSyncInterval = li
			p.clock.SyncInterval(li)
		}
	}

	correction := m.CorrectionField + p.asymmetry

	if !m.TwoStep() {
		p.synchronize(ts, m.OriginTimestamp, correction, 0)
		p.flushLastSync()
		return
	}

	var event syfuEvent
	if p.syfu == sfHaveFup && matchedHeader(&p.lastSyncFup.fup.Header, &m.Header) {
		event = syncMatch
	} else {
		event = syncMismatch
		p.stats.SyncMismatch++
		if p.cfg.FollowUpReceiptTimeout != 0 {
			p.setFupRxTmo()
		}
	}
	// carry the asymmetry in the held sync's correction
	held := *m
	held.CorrectionField = correction
	p.syfufsm(event, &held, ts, nil)
}

func (p *Port) processFollowUp(m *ptp.FollowUp) {
	switch p.state {
	case ptp.PortStateUncalibrated, ptp.PortStateSlave:
	default:
		return
	}

	if !p.clock.SkipSyncCheck() && p.clock.ParentIdentity() != m.SourcePortIdentity {
		return
	}

	if p.cfg.FollowUpInfo {
		fui := followUpInfoExtract(m)
		if fui == nil {
			return
		}
		p.clock.FollowUpInfo(fui)
	}

	var event syfuEvent
	if p.syfu == sfHaveSync && matchedHeader(&p.lastSyncFup.sync.Header, &m.Header) {
		event = fupMatch
		// an in-sequence Follow_Up satisfies the receive timer
		if p.is8021AS() {
			p.timers.Disarm(TimerFupRX)
		}
	} else {
		event = fupMismatch
		p.stats.FollowupMismatch++
	}
	p.syfufsm(event, nil, time.Time{}, m)
}

// followUpInfoExtract finds the follow-up information TLV. The
// organization id is accepted as-is; some implementations stamp a vendor
// id there.
func followUpInfoExtract(m *ptp.FollowUp) *ptp.FollowUpInfoTLV {
	for _, tlv := range m.TLVs {
		if fui, ok := tlv.(*ptp.FollowUpInfoTLV); ok {
			if fui.OrganizationID != ptp.OrgIDIEEE8021 {
				log.Debugf("accepting follow-up info TLV with organization id %x", fui.OrganizationID)
			}
			return fui
		}
	}
	return nil
}

// lifecycle

func (p *Port) enabled() bool {
	switch p.state {
	case ptp.PortStateInitializing, ptp.PortStateFaulty, ptp.PortStateDisabled:
		return false
	}
	return true
}

func (p *Port) initialize() error {
	p.multipleSeqPdrCount = 0
	p.multiplePdrDetected = false
	p.lastFault = FaultUnspecified
	p.logMinDelayReqInterval = ptp.LogInterval(p.cfg.LogMinDelayReqInterval)
	p.logSyncInterval = ptp.LogInterval(p.cfg.LogSyncInterval)
	p.peerMeanPathDelay = 0
	p.peerDelay = 0
	p.delayMechanism = p.cfg.DelayMechanism
	p.tsp.Reset()

	if err := p.trans.Open(p.name); err != nil {
		return err
	}
	p.setAnnounceTmo()
	p.nrateInitialize()
	return nil
}

func (p *Port) disable() {
	p.flushLastSync()
	p.flushDelayReq()
	p.flushPeerDelay()
	p.deferredFup = nil

	p.freeForeignMasters()
	if err := p.trans.Close(); err != nil {
		log.Errorf("port %d: closing transport: %v", p.identity.PortNumber, err)
	}
	p.timers.DisarmAll()
}

func (p *Port) renewTransport() error {
	if !p.enabled() {
		return nil
	}
	if err := p.trans.Close(); err != nil {
		return err
	}
	return p.trans.Open(p.name)
}

// Tick fires every expired timer and returns the resulting events in
// timer order. The caller routes them through Dispatch or the clock's
// state decision, exactly like events returned from Recv.
func (p *Port) Tick(now time.Time) []Event {
	var events []Event

	if p.timers.Expired(TimerFault, now) {
		log.Infof("port %d: fault timer expired, clearing %s", p.identity.PortNumber, p.lastFault)
		events = append(events, EvFaultCleared)
	}

	if p.timers.Expired(TimerFupRX, now) {
		// no FOLLOW_UP arrived for the held SYNC, treat as loss of the master
		if p.syfu == sfHaveSync {
			p.flushLastSync()
		}
		events = append(events, p.announceTimeout(true))
	}

	if p.timers.Expired(TimerSyncRX, now) {
		p.stats.SyncTimeout++
		events = append(events, p.announceTimeout(true))
	}

	if p.timers.Expired(TimerAnnounceRX, now) {
		p.stats.AnnounceTimeout++
		events = append(events, p.announceTimeout(false))
	}

	if p.timers.Expired(TimerDelay, now) {
		p.stats.DelayTimeout++
		p.setDelayTmo()
		if err := p.delayRequest(); err != nil {
			events = append(events, EvFaultDetected)
		}
	}

	if p.timers.Expired(TimerQualification, now) {
		p.stats.QualificationTimeout++
		events = append(events, EvQualificationTimeoutExpires)
	}

	if p.timers.Expired(TimerMAnno, now) {
		p.stats.MasterAnnounceTimeout++
		p.setMannoTmo()
		if err := p.txAnnounce(); err != nil {
			events = append(events, EvFaultDetected)
		}
	}

	if p.timers.Expired(TimerSyncTX, now) {
		p.stats.MasterSyncTimeout++
		// clearing the timer may not have taken effect yet
		if p.state == ptp.PortStateMaster || p.state == ptp.PortStateGrandMaster {
			p.setSyncTxTmo()
			if err := p.txSync(); err != nil {
				events = append(events, EvFaultDetected)
			}
		}
	}

	return events
}

// announceTimeout implements the shared announce/sync receipt timeout path
func (p *Port) announceTimeout(syncRx bool) Event {
	which := "announce"
	if syncRx {
		which = "rx sync"
	}
	log.Debugf("port %d: %s timeout", p.identity.PortNumber, which)
	if p.best != nil {
		p.best.clear()
	}
	if p.clock.SlaveOnly() || p.state == ptp.PortStateMaster || p.state == ptp.PortStateGrandMaster {
		p.timers.Disarm(TimerAnnounceRX)
		p.timers.Disarm(TimerSyncRX)
	} else {
		p.setAnnounceTmo()
	}
	if p.clock.SlaveOnly() && p.delayMechanism != ptp.DelayMechanismP2P {
		if err := p.renewTransport(); err != nil {
			return EvFaultDetected
		}
	}
	return EvAnnounceReceiptTimeoutExpires
}
