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

	log "github.com/sirupsen/logrus"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// managementReply builds the response skeleton for a request: RESPONSE
// for GET/SET, ACKNOWLEDGE for COMMAND, addressed back to the requester.
func (p *Port) managementReply(req *ptp.Management) ptp.ManagementMsgHead {
	action := ptp.RESPONSE
	if req.ActionField == ptp.COMMAND {
		action = ptp.ACKNOWLEDGE
	}
	return ptp.ManagementMsgHead{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageManagement, p.cfg.TransportSpecific),
			Version:            ptp.Version,
			DomainNumber:       p.clock.DomainNumber(),
			SourcePortIdentity: p.identity,
			SequenceID:         req.SequenceID,
			LogMessageInterval: ptp.MgmtLogMessageInterval,
		},
		TargetPortIdentity:   req.SourcePortIdentity,
		StartingBoundaryHops: req.StartingBoundaryHops - req.BoundaryHops,
		BoundaryHops:         req.StartingBoundaryHops - req.BoundaryHops,
		ActionField:          action,
	}
}

// managementSendError answers a request with a MANAGEMENT_ERROR_STATUS TLV
func (p *Port) managementSendError(req *ptp.Management, addr netip.AddrPort, errorID ptp.ManagementErrorID) {
	rsp := &ptp.ManagementMsgErrorStatus{
		ManagementMsgHead: p.managementReply(req),
		ManagementErrorStatusTLV: ptp.ManagementErrorStatusTLV{
			ManagementErrorID: errorID,
			ManagementID:      req.TLV.MgmtID(),
		},
	}
	b, err := rsp.MarshalBinary()
	if err != nil {
		log.Errorf("port %d: management error failed: %v", p.identity.PortNumber, err)
		return
	}
	if err := p.trans.SendGeneralTo(b, addr); err != nil {
		log.Errorf("port %d: management error failed: %v", p.identity.PortNumber, err)
	}
	p.stats.IncTX(ptp.MessageManagement)
}

// managementFillResponse builds the response TLV for one management id,
// or nil if the id deserves no response from us
func (p *Port) managementFillResponse(id ptp.ManagementID) ptp.ManagementTLV {
	head := ptp.ManagementTLVHead{
		TLVHead:      ptp.TLVHead{TLVType: ptp.TLVManagement},
		ManagementID: id,
	}

	// a GRAND_MASTER port reports itself as MASTER
	state := p.state
	if state == ptp.PortStateGrandMaster {
		state = ptp.PortStateMaster
	}

	switch id {
	case ptp.IDNullManagement:
		return &head

	case ptp.IDClockDescription:
		desc := p.clock.Description()
		profile := ptp.ProfileIdentityDRR
		if p.delayMechanism == ptp.DelayMechanismP2P {
			profile = ptp.ProfileIdentityP2P
		}
		physicalLayer := ptp.PTPText("")
		switch p.trans.Type() {
		case ptp.TransportTypeUDPIPV4, ptp.TransportTypeUDPIPV6, ptp.TransportTypeIEEE8023:
			physicalLayer = "IEEE 802.3"
		}
		return &ptp.ClockDescriptionTLV{
			ManagementTLVHead:     head,
			ClockType:             desc.ClockType,
			PhysicalLayerProtocol: physicalLayer,
			PhysicalAddress:       p.trans.PhysicalAddr(),
			ProtocolAddress: ptp.PortAddress{
				NetworkProtocol: p.trans.Type(),
				AddressLength:   uint16(len(p.trans.ProtocolAddr())),
				AddressField:    p.trans.ProtocolAddr(),
			},
			ManufacturerIdentity: desc.ManufacturerIdentity,
			ProductDescription:   desc.ProductDescription,
			RevisionData:         desc.RevisionData,
			UserDescription:      desc.UserDescription,
			ProfileIdentity:      profile,
		}

	case ptp.IDPortDataSet:
		delayMechanism := p.delayMechanism
		if delayMechanism == 0 {
			delayMechanism = ptp.DelayMechanismE2E
		}
		return &ptp.PortDataSetTLV{
			ManagementTLVHead:       head,
			PortIdentity:            p.identity,
			PortState:               state,
			LogMinDelayReqInterval:  p.logMinDelayReqInterval,
			PeerMeanPathDelay:       p.peerMeanPathDelay,
			LogAnnounceInterval:     ptp.LogInterval(p.cfg.LogAnnounceInterval),
			AnnounceReceiptTimeout:  p.cfg.AnnounceReceiptTimeout,
			LogSyncInterval:         ptp.LogInterval(p.cfg.LogSyncInterval),
			DelayMechanism:          delayMechanism,
			LogMinPdelayReqInterval: ptp.LogInterval(p.cfg.LogMinPdelayReqInterval),
			VersionNumber:           p.cfg.VersionNumber,
		}

	case ptp.IDLogAnnounceInterval:
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: uint8(p.cfg.LogAnnounceInterval)}
	case ptp.IDAnnounceReceiptTimeout:
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: p.cfg.AnnounceReceiptTimeout}
	case ptp.IDLogSyncInterval:
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: uint8(p.cfg.LogSyncInterval)}
	case ptp.IDVersionNumber:
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: p.cfg.VersionNumber}
	case ptp.IDDelayMechanism:
		mech := p.delayMechanism
		if mech == 0 {
			mech = ptp.DelayMechanismE2E
		}
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: uint8(mech)}
	case ptp.IDLogMinPdelayReqInterval:
		return &ptp.ManagementTLVDatum{ManagementTLVHead: head, Val: uint8(p.cfg.LogMinPdelayReqInterval)}

	case ptp.IDPortDataSetNP:
		asCapable := uint32(0)
		if p.asCapable {
			asCapable = 1
		}
		return &ptp.PortDataSetNPTLV{
			ManagementTLVHead:       head,
			NeighborPropDelayThresh: p.cfg.NeighborPropDelayThresh,
			AsCapable:               asCapable,
		}

	case ptp.IDPortPropertiesNP:
		return &ptp.PortPropertiesNPTLV{
			ManagementTLVHead: head,
			PortIdentity:      p.identity,
			PortState:         state,
			Timestamping:      p.cfg.Timestamping,
			Interface:         ptp.PTPText(p.name),
		}
	}
	return nil
}

// managementGetResponse answers a GET (or echoes state after a SET)
func (p *Port) managementGetResponse(req *ptp.Management, addr netip.AddrPort) bool {
	tlv := p.managementFillResponse(req.TLV.MgmtID())
	if tlv == nil {
		return false
	}
	rsp := &ptp.Management{
		ManagementMsgHead: p.managementReply(req),
		TLV:               tlv,
	}
	b, err := rsp.MarshalBinary()
	if err != nil {
		log.Errorf("port %d: failed to marshal management response: %v", p.identity.PortNumber, err)
		return false
	}
	if err := p.trans.SendGeneralTo(b, addr); err != nil {
		log.Errorf("port %d: failed to send management response: %v", p.identity.PortNumber, err)
		return false
	}
	p.stats.IncTX(ptp.MessageManagement)
	return true
}

// managementSet applies a SET request
func (p *Port) managementSet(req *ptp.Management, addr netip.AddrPort) bool {
	switch tlv := req.TLV.(type) {
	case *ptp.PortDataSetNPTLV:
		p.cfg.NeighborPropDelayThresh = tlv.NeighborPropDelayThresh
		if !p.managementGetResponse(req, addr) {
			log.Errorf("port %d: failed to send management set response", p.identity.PortNumber)
		}
		return true
	}
	return false
}

// supportedMgmtIDs is the set of ids the responder answers
var supportedMgmtIDs = map[ptp.ManagementID]bool{
	ptp.IDNullManagement:          true,
	ptp.IDClockDescription:        true,
	ptp.IDPortDataSet:             true,
	ptp.IDLogAnnounceInterval:     true,
	ptp.IDAnnounceReceiptTimeout:  true,
	ptp.IDLogSyncInterval:         true,
	ptp.IDVersionNumber:           true,
	ptp.IDDelayMechanism:          true,
	ptp.IDLogMinPdelayReqInterval: true,
	ptp.IDPortDataSetNP:           true,
	ptp.IDPortPropertiesNP:        true,
}

// processManagement dispatches an incoming management request
func (p *Port) processManagement(req *ptp.Management, addr netip.AddrPort) {
	target := req.TargetPortIdentity
	if target != ptp.DefaultTargetPortIdentity {
		if target.PortNumber != 0xffff && target.PortNumber != p.identity.PortNumber {
			return
		}
		if target.ClockIdentity != 0xffffffffffffffff && target.ClockIdentity != p.identity.ClockIdentity {
			return
		}
	}
	if req.TLV == nil {
		return
	}

	id := req.TLV.MgmtID()
	if !supportedMgmtIDs[id] {
		p.managementSendError(req, addr, ptp.ErrorNoSuchID)
		return
	}

	switch req.ActionField {
	case ptp.GET:
		if !p.managementGetResponse(req, addr) {
			p.managementSendError(req, addr, ptp.ErrorNotSupported)
		}
	case ptp.SET:
		if !p.managementSet(req, addr) {
			p.managementSendError(req, addr, ptp.ErrorNotSetable)
		}
	case ptp.COMMAND:
		p.managementSendError(req, addr, ptp.ErrorNotSupported)
	}
}
