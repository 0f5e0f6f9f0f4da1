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

	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// pathTraceAppend builds the path trace TLV for our announce: the
// parent's cumulative list plus our own identity.
func (p *Port) pathTraceAppend() *ptp.PathTraceTLV {
	parent := p.clock.ParentDS()
	if len(parent.PathTrace)+1 > ptp.PathTraceMax {
		return nil
	}
	path := make([]ptp.ClockIdentity, 0, len(parent.PathTrace)+1)
	path = append(path, parent.PathTrace...)
	path = append(path, p.clock.Identity())
	return ptp.NewPathTraceTLV(path)
}

// txAnnounce emits one ANNOUNCE carrying the current grandmaster dataset
func (p *Port) txAnnounce() error {
	if !p.capable() {
		return nil
	}
	parent := p.clock.ParentDS()
	tp := p.clock.TimeProperties()

	msg := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			DomainNumber:       p.clock.DomainNumber(),
			FlagField:          uint16(tp.Flags),
			SourcePortIdentity: p.identity,
			SequenceID:         p.seq.announce,
			ControlField:       ptp.ControlOther,
			LogMessageInterval: ptp.LogInterval(p.cfg.LogAnnounceInterval),
		},
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset:        tp.CurrentUTCOffset,
			GrandmasterPriority1:    parent.GrandmasterPriority1,
			GrandmasterClockQuality: parent.GrandmasterClockQuality,
			GrandmasterPriority2:    parent.GrandmasterPriority2,
			GrandmasterIdentity:     parent.GrandmasterIdentity,
			StepsRemoved:            p.clock.StepsRemoved(),
			TimeSource:              tp.TimeSource,
		},
	}
	p.seq.announce++

	bodyLen := uint16(ptp.HeaderSize + 30)
	if p.cfg.PathTraceEnabled {
		if ptt := p.pathTraceAppend(); ptt != nil {
			msg.TLVs = append(msg.TLVs, ptt)
			bodyLen += 4 + ptt.LengthField
		}
	}
	msg.MessageLength = bodyLen

	b, err := ptp.Bytes(msg)
	if err != nil {
		return err
	}
	if err := p.trans.SendGeneral(b); err != nil {
		log.Errorf("port %d: send announce failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessageAnnounce)
	return nil
}

// txSync emits one SYNC and, for two-step timestamping, the matching
// FOLLOW_UP. If the egress timestamp is not available yet the follow up
// is held until ProcessTxTimestamp delivers it.
func (p *Port) txSync() error {
	if !p.capable() {
		return nil
	}
	if p.syncIncapable() {
		return nil
	}

	msg := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 10,
			DomainNumber:       p.clock.DomainNumber(),
			SourcePortIdentity: p.identity,
			SequenceID:         p.seq.sync,
			ControlField:       ptp.ControlSync,
			LogMessageInterval: ptp.LogInterval(p.cfg.LogSyncInterval),
		},
	}
	p.seq.sync++
	if !p.cfg.oneStep() {
		msg.FlagField |= ptp.FlagTwoStep
	}

	b, err := ptp.Bytes(msg)
	if err != nil {
		return err
	}
	txts, err := p.trans.SendEvent(b)
	if err != nil {
		log.Errorf("port %d: send sync failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessageSync)

	if p.cfg.oneStep() {
		return nil
	}

	fup := p.makeFollowUp(msg.SequenceID)
	if txts.IsZero() {
		// egress timestamp not delivered yet, hold the follow up until
		// the tx-timestamp event arrives
		p.deferredFup = fup
		return nil
	}
	return p.txFollowUp(fup, txts)
}

// makeFollowUp builds the FOLLOW_UP skeleton for a given sync sequence
func (p *Port) makeFollowUp(seq uint16) *ptp.FollowUp {
	fup := &ptp.FollowUp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageFollowUp, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			MessageLength:      ptp.HeaderSize + 10,
			DomainNumber:       p.clock.DomainNumber(),
			SourcePortIdentity: p.identity,
			SequenceID:         seq,
			ControlField:       ptp.ControlFollowUp,
			LogMessageInterval: ptp.LogInterval(p.cfg.LogSyncInterval),
		},
	}
	if p.cfg.FollowUpInfo {
		fui := ptp.NewFollowUpInfoTLV()
		fui.CumulativeScaledRateOffset = int32((p.clock.RateRatio() - 1.0) * (1 << 41))
		fup.TLVs = append(fup.TLVs, fui)
		fup.MessageLength += 4 + fui.LengthField
	}
	return fup
}

// txFollowUp stamps the sync egress time into the follow up and sends it
func (p *Port) txFollowUp(fup *ptp.FollowUp, txts time.Time) error {
	if p.cfg.EgressLatency != 0 {
		txts = txts.Add(p.cfg.EgressLatency)
	}
	fup.PreciseOriginTimestamp = ptp.NewTimestamp(txts)
	b, err := ptp.Bytes(fup)
	if err != nil {
		return err
	}
	if err := p.trans.SendGeneral(b); err != nil {
		log.Errorf("port %d: send follow up failed: %v", p.identity.PortNumber, err)
		return err
	}
	p.stats.IncTX(ptp.MessageFollowUp)
	return nil
}

// ProcessTxTimestamp resolves a deferred egress timestamp delivered by
// the transport's error queue: it releases a held FOLLOW_UP, or
// backfills the send time of an outstanding delay request.
func (p *Port) ProcessTxTimestamp(msgType ptp.MessageType, seq uint16, txts time.Time) {
	switch msgType {
	case ptp.MessageSync:
		if p.deferredFup == nil || p.deferredFup.SequenceID != seq {
			return
		}
		fup := p.deferredFup
		p.deferredFup = nil
		if err := p.txFollowUp(fup, txts); err != nil {
			p.Dispatch(EvFaultDetected, false)
		}
	case ptp.MessageDelayReq:
		if p.delayReq != nil && p.delayReq.hdr.SequenceID == seq && p.delayReq.ts.IsZero() {
			if p.cfg.EgressLatency != 0 {
				txts = txts.Add(p.cfg.EgressLatency)
			}
			p.delayReq.ts = txts
		}
	case ptp.MessagePDelayReq:
		if p.peerDelayReq != nil && p.peerDelayReq.hdr.SequenceID == seq && p.peerDelayReq.ts.IsZero() {
			if p.cfg.EgressLatency != 0 {
				txts = txts.Add(p.cfg.EgressLatency)
			}
			p.peerDelayReq.ts = txts
			p.peerDelayCalc()
		}
	}
}
