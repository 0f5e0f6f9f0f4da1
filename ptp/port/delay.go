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
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

func (p *Port) flushDelayReq() {
	p.delayReq = nil
}

func (p *Port) flushPeerDelay() {
	p.peerDelayReq = nil
	p.peerDelayResp = nil
	p.peerDelayFup = nil
}

// delayRequest emits a new DELAY_REQ or PDELAY_REQ per the delay mechanism
func (p *Port) delayRequest() error {
	// time to send a new request, forget current pdelay resp and fup
	p.peerDelayResp = nil
	p.peerDelayFup = nil

	if p.delayMechanism == ptp.DelayMechanismP2P {
		return p.pdelayRequest()
	}

	msg := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayReq, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 10,
			DomainNumber:       p.clock.DomainNumber(),
			CorrectionField:    -p.asymmetry,
			SourcePortIdentity: p.identity,
			SequenceID:         p.seq.delayreq,
			ControlField:       ptp.ControlDelayReq,
			LogMessageInterval: 0x7f,
		},
	}
	p.seq.delayreq++

	var unicastTo netip.AddrPort
	if p.cfg.HybridE2E {
		if addr, ok := p.bestAddr(); ok {
			msg.FlagField |= ptp.FlagUnicast
			unicastTo = addr
		}
	}

	b, err := ptp.Bytes(msg)
	if err != nil {
		return err
	}
	var txts time.Time
	if unicastTo.IsValid() {
		txts, err = p.trans.SendEventTo(b, unicastTo)
	} else {
		txts, err = p.trans.SendEvent(b)
	}
	if err != nil {
		log.Errorf("port %d: send delay request failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessageDelayReq)
	if p.cfg.EgressLatency != 0 && !txts.IsZero() {
		txts = txts.Add(p.cfg.EgressLatency)
	}

	p.delayReq = &sentRequest{hdr: msg.Header, ts: txts}
	return nil
}

// pdelayRequest emits a new PDELAY_REQ
func (p *Port) pdelayRequest() error {
	// one clean exchange pays off one multiple-response strike
	if !p.multiplePdrDetected && p.multipleSeqPdrCount > 0 {
		p.multipleSeqPdrCount--
	}
	p.multiplePdrDetected = false

	logInterval := ptp.LogInterval(0x7f)
	if p.is8021AS() {
		logInterval = ptp.LogInterval(p.cfg.LogMinPdelayReqInterval)
	}
	msg := &ptp.PDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessagePDelayReq, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 20,
			DomainNumber:       p.clock.DomainNumber(),
			CorrectionField:    -p.asymmetry,
			SourcePortIdentity: p.identity,
			SequenceID:         p.seq.delayreq,
			ControlField:       ptp.ControlOther,
			LogMessageInterval: logInterval,
		},
	}
	p.seq.delayreq++

	b, err := ptp.Bytes(msg)
	if err != nil {
		return err
	}
	txts, err := p.trans.SendEventPeer(b)
	if err != nil {
		log.Errorf("port %d: send peer delay request failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessagePDelayReq)
	if p.cfg.EgressLatency != 0 && !txts.IsZero() {
		txts = txts.Add(p.cfg.EgressLatency)
	}

	if p.peerDelayReq != nil {
		if p.capable() {
			p.pdrMissing++
		}
	}
	p.peerDelayReq = &sentRequest{hdr: msg.Header, ts: txts}
	return nil
}

// processDelayReq answers an end-to-end delay request while we are master
func (p *Port) processDelayReq(m *ptp.SyncDelayReq, ts time.Time, addr netip.AddrPort) error {
	if p.state != ptp.PortStateMaster && p.state != ptp.PortStateGrandMaster {
		return nil
	}

	if p.delayMechanism == ptp.DelayMechanismP2P {
		log.Warningf("port %d: delay request on P2P port", p.identity.PortNumber)
		return nil
	}

	resp := &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 20,
			DomainNumber:       m.DomainNumber,
			CorrectionField:    m.CorrectionField,
			SourcePortIdentity: p.identity,
			SequenceID:         m.SequenceID,
			ControlField:       ptp.ControlDelayResp,
			LogMessageInterval: p.logMinDelayReqInterval,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(ts),
			RequestingPortIdentity: m.SourcePortIdentity,
		},
	}

	unicast := p.cfg.HybridE2E && m.Unicast()
	if unicast {
		resp.FlagField |= ptp.FlagUnicast
		resp.LogMessageInterval = 0x7f
	}

	b, err := ptp.Bytes(resp)
	if err != nil {
		return err
	}
	if unicast {
		err = p.trans.SendGeneralTo(b, addr)
	} else {
		err = p.trans.SendGeneral(b)
	}
	if err != nil {
		log.Errorf("port %d: send delay response failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessageDelayResp)
	return nil
}

// processDelayResp consumes a response to our outstanding DELAY_REQ
func (p *Port) processDelayResp(m *ptp.DelayResp) {
	if p.delayReq == nil {
		return
	}
	if p.state != ptp.PortStateUncalibrated && p.state != ptp.PortStateSlave {
		return
	}
	if m.RequestingPortIdentity != p.delayReq.hdr.SourcePortIdentity {
		return
	}
	if m.SequenceID != p.delayReq.hdr.SequenceID {
		return
	}
	if p.clock.ParentIdentity() != m.SourcePortIdentity {
		return
	}

	if !p.delayReq.ts.IsZero() {
		t3 := p.delayReq.ts
		t4 := m.ReceiveTimestamp.Time()
		t4c := t4.Add(-m.CorrectionField.Duration())
		p.clock.PathDelay(t3, t4c)
	}

	if p.logMinDelayReqInterval == m.LogMessageInterval {
		return
	}
	if m.Unicast() {
		// unicast responses have logMinDelayReqInterval set to 0x7F
		return
	}
	if li, ok := p.clampRxInterval(m.LogMessageInterval); ok {
		p.logMinDelayReqInterval = li
		log.Infof("port %d: minimum delay request interval 2^%d", p.identity.PortNumber, li)
	}
}

// processPDelayReq answers a peer delay request
func (p *Port) processPDelayReq(m *ptp.PDelayReq, ts time.Time, addr netip.AddrPort) error {
	if p.delayMechanism == ptp.DelayMechanismE2E {
		log.Warningf("port %d: pdelay_req on E2E port", p.identity.PortNumber)
		return nil
	}
	if p.delayMechanism == ptp.DelayMechanismAuto {
		log.Infof("port %d: peer detected, switch to P2P", p.identity.PortNumber)
		p.delayMechanism = ptp.DelayMechanismP2P
		p.setDelayTmo()
	}
	if p.peerPortIDValid {
		if p.peerPortID != m.SourcePortIdentity {
			log.Errorf("port %d: received pdelay_req msg with unexpected peer port id %s",
				p.identity.PortNumber, m.SourcePortIdentity)
			p.peerPortIDValid = false
			p.capable()
		}
	} else {
		p.peerPortIDValid = true
		p.peerPortID = m.SourcePortIdentity
		log.Debugf("port %d: peer port id set to %s", p.identity.PortNumber, p.peerPortID)
	}

	// NB - there is no one step support for P2P messaging here,
	// so we always send a follow up message
	resp := &ptp.PDelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessagePDelayResp, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 20,
			DomainNumber:       m.DomainNumber,
			FlagField:          ptp.FlagTwoStep,
			SourcePortIdentity: p.identity,
			SequenceID:         m.SequenceID,
			ControlField:       ptp.ControlOther,
			LogMessageInterval: 0x7f,
		},
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: ptp.NewTimestamp(ts),
			RequestingPortIdentity:  m.SourcePortIdentity,
		},
	}
	b, err := ptp.Bytes(resp)
	if err != nil {
		return err
	}
	txts, err := p.trans.SendEventPeer(b)
	if err != nil {
		log.Errorf("port %d: send peer delay response failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessagePDelayResp)
	if txts.IsZero() {
		log.Errorf("port %d: missing timestamp on transmitted peer delay response", p.identity.PortNumber)
		return nil
	}
	if p.cfg.EgressLatency != 0 {
		txts = txts.Add(p.cfg.EgressLatency)
	}

	fup := &ptp.PDelayRespFollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessagePDelayRespFollowUp, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 20,
			DomainNumber:       m.DomainNumber,
			CorrectionField:    m.CorrectionField,
			SourcePortIdentity: p.identity,
			SequenceID:         m.SequenceID,
			ControlField:       ptp.ControlOther,
			LogMessageInterval: 0x7f,
		},
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: ptp.NewTimestamp(txts),
			RequestingPortIdentity:  m.SourcePortIdentity,
		},
	}
	b, err = ptp.Bytes(fup)
	if err != nil {
		return err
	}
	if err := p.trans.SendGeneralPeer(b); err != nil {
		log.Errorf("port %d: send pdelay_resp_fup failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessagePDelayRespFollowUp)
	return nil
}

// processPDelayResp validates and caches a peer delay response
func (p *Port) processPDelayResp(m *ptp.PDelayResp, ts time.Time) error {
	if m.SourcePortIdentity.ClockIdentity == p.clock.Identity() {
		// our own response leaked back to us
		log.Errorf("port %d: received own pdelay response", p.identity.PortNumber)
		return nil
	}
	if p.peerDelayResp != nil {
		if p.peerDelayResp.msg.SourcePortIdentity != m.SourcePortIdentity {
			log.Errorf("port %d: multiple peer responses", p.identity.PortNumber)
			if !p.multiplePdrDetected {
				p.multiplePdrDetected = true
				p.multipleSeqPdrCount++
			}
			if p.multipleSeqPdrCount >= 3 {
				p.lastFault = FaultBadPeerNetwork
				return fmt.Errorf("%d consecutive multiple peer responses", p.multipleSeqPdrCount)
			}
		}
	}
	if p.peerDelayReq == nil {
		log.Errorf("port %d: rogue peer delay response", p.identity.PortNumber)
		return fmt.Errorf("rogue peer delay response")
	}
	if p.peerPortIDValid {
		if p.peerPortID != m.SourcePortIdentity {
			log.Errorf("port %d: received pdelay_resp msg with unexpected peer port id %s",
				p.identity.PortNumber, m.SourcePortIdentity)
			p.peerPortIDValid = false
			p.capable()
		}
	} else {
		p.peerPortIDValid = true
		p.peerPortID = m.SourcePortIdentity
		log.Debugf("port %d: peer port id set to %s", p.identity.PortNumber, p.peerPortID)
	}

	p.peerDelayResp = &rxPDelayResp{msg: m, ts: ts}
	p.peerDelayCalc()
	return nil
}

// processPDelayRespFup caches the follow up and finishes the exchange
func (p *Port) processPDelayRespFup(m *ptp.PDelayRespFollowUp) {
	if m.SourcePortIdentity.ClockIdentity == p.clock.Identity() {
		return
	}
	if p.peerDelayReq == nil {
		return
	}
	p.peerDelayFup = m
	p.peerDelayCalc()
}

/*
peerDelayCalc computes the peer link delay once a complete exchange is
cached:

	mean_path_delay = [(t4 - t1) - (t3 - t2) * r] / 2

with r being the neighbor rate ratio times the clock rate ratio. On
802.1AS ports the corrected t3 and t4 also feed the neighbor rate
estimator.
*/
func (p *Port) peerDelayCalc() {
	req, rsp, fup := p.peerDelayReq, p.peerDelayResp, p.peerDelayFup

	// check for response, validate port and sequence number
	if rsp == nil {
		return
	}
	if rsp.msg.RequestingPortIdentity != p.identity {
		return
	}
	if rsp.msg.SequenceID != req.hdr.SequenceID {
		return
	}

	t1 := req.ts
	t4 := rsp.ts
	c1 := (rsp.msg.CorrectionField + p.asymmetry).Duration()

	var t2, t3 time.Time
	var c2 time.Duration
	if !rsp.msg.TwoStep() {
		// process one-step response immediately
		t2 = time.Unix(0, 0)
		t3 = time.Unix(0, 0)
	} else {
		// check for follow up, validate port and sequence number
		if fup == nil {
			return
		}
		if fup.RequestingPortIdentity != p.identity {
			return
		}
		if fup.SequenceID != rsp.msg.SequenceID {
			return
		}
		if fup.SourcePortIdentity != rsp.msg.SourcePortIdentity {
			return
		}
		t2 = rsp.msg.RequestReceiptTimestamp.Time()
		t3 = fup.ResponseOriginTimestamp.Time()
		c2 = fup.CorrectionField.Duration()
	}
	t3c := t3.Add(c1 + c2)

	if p.cfg.FollowUpInfo {
		p.nrateCalculate(t3c, t4)
	}

	p.tsp.SetClockRateRatio(p.nrate.ratio * p.clock.RateRatio())
	p.tsp.UpTS(t1, t2)
	p.tsp.DownTS(t3c, t4)
	delay, err := p.tsp.UpdateDelay()
	if err != nil {
		return
	}

	p.peerDelay = delay
	p.peerMeanPathDelay = ptp.NewTimeInterval(float64(delay.Nanoseconds()))

	if p.state == ptp.PortStateUncalibrated || p.state == ptp.PortStateSlave {
		p.clock.PeerDelay(delay, t1, t2, p.nrate.ratio)
	}

	// the exchange is complete, each triple feeds the estimate exactly once
	p.peerDelayReq = nil
	p.peerDelayResp = nil
	p.peerDelayFup = nil
}
