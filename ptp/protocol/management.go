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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/facebookincubator/ptpd/hostendian"
)

// Action indicate the action to be taken on receipt of the PTP message as defined in Table 57
type Action uint8

// actions as in Table 57 Values of the actionField
const (
	GET Action = iota
	SET
	RESPONSE
	COMMAND
	ACKNOWLEDGE
)

// ManagementID is type for Management IDs
type ManagementID uint16

// Management IDs we support, from Table 59 managementId values plus linuxptp NP extensions
const (
	IDNullManagement   ManagementID = 0x0000
	IDClockDescription ManagementID = 0x0001

	IDPortDataSet             ManagementID = 0x2004
	IDLogAnnounceInterval     ManagementID = 0x2008
	IDAnnounceReceiptTimeout  ManagementID = 0x2009
	IDLogSyncInterval         ManagementID = 0x200A
	IDVersionNumber           ManagementID = 0x200C
	IDDelayMechanism          ManagementID = 0x6000
	IDLogMinPdelayReqInterval ManagementID = 0x6001

	IDPortDataSetNP    ManagementID = 0xC002
	IDPortPropertiesNP ManagementID = 0xC004
)

// ManagementIDToString is a map from ManagementID to string
var ManagementIDToString = map[ManagementID]string{
	IDNullManagement:          "NULL_MANAGEMENT",
	IDClockDescription:        "CLOCK_DESCRIPTION",
	IDPortDataSet:             "PORT_DATA_SET",
	IDLogAnnounceInterval:     "LOG_ANNOUNCE_INTERVAL",
	IDAnnounceReceiptTimeout:  "ANNOUNCE_RECEIPT_TIMEOUT",
	IDLogSyncInterval:         "LOG_SYNC_INTERVAL",
	IDVersionNumber:           "VERSION_NUMBER",
	IDDelayMechanism:          "DELAY_MECHANISM",
	IDLogMinPdelayReqInterval: "LOG_MIN_PDELAY_REQ_INTERVAL",
	IDPortDataSetNP:           "PORT_DATA_SET_NP",
	IDPortPropertiesNP:        "PORT_PROPERTIES_NP",
}

func (t ManagementID) String() string {
	s := ManagementIDToString[t]
	if s == "" {
		return fmt.Sprintf("UNKNOWN_ID=0x%04x", uint16(t))
	}
	return s
}

// ManagementErrorID is an enum for possible management errors
type ManagementErrorID uint16

// Table 109 ManagementErrorID enumeration
const (
	ErrorResponseTooBig ManagementErrorID = 0x0001
	ErrorNoSuchID       ManagementErrorID = 0x0002
	ErrorWrongLength    ManagementErrorID = 0x0003
	ErrorWrongValue     ManagementErrorID = 0x0004
	ErrorNotSetable     ManagementErrorID = 0x0005
	ErrorNotSupported   ManagementErrorID = 0x0006
	ErrorUnpopulated    ManagementErrorID = 0x0007
	ErrorGeneralError   ManagementErrorID = 0xFFFE
)

// ManagementErrorIDToString is a map from ManagementErrorID to string
var ManagementErrorIDToString = map[ManagementErrorID]string{
	ErrorResponseTooBig: "RESPONSE_TOO_BIG",
	ErrorNoSuchID:       "NO_SUCH_ID",
	ErrorWrongLength:    "WRONG_LENGTH",
	ErrorWrongValue:     "WRONG_VALUE",
	ErrorNotSetable:     "NOT_SETABLE",
	ErrorNotSupported:   "NOT_SUPPORTED",
	ErrorUnpopulated:    "UNPOPULATED",
	ErrorGeneralError:   "GENERAL_ERROR",
}

func (t ManagementErrorID) String() string {
	s := ManagementErrorIDToString[t]
	if s == "" {
		return fmt.Sprintf("UNKNOWN_ERROR_ID=%d", t)
	}
	return s
}

func (t ManagementErrorID) Error() string {
	return t.String()
}

// ManagementMsgHead Spec Table 56 - Management message fields
type ManagementMsgHead struct {
	Header

	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          Action
	Reserved             uint8
}

// size of ManagementMsgHead on the wire
const mgmtHeadSize = headerSize + 14

// Action returns ActionField
func (p *ManagementMsgHead) Action() Action {
	return p.ActionField
}

// ManagementTLVHead Spec Table 58 - Management TLV fields
type ManagementTLVHead struct {
	TLVHead

	ManagementID ManagementID
}

// MgmtID returns ManagementID
func (p *ManagementTLVHead) MgmtID() ManagementID {
	return p.ManagementID
}

// MarshalBinary converts a bare (dataless) management TLV to []bytes
func (p *ManagementTLVHead) MarshalBinary() ([]byte, error) {
	return marshalMgmtTLV(p.ManagementID, nil)
}

// ManagementTLV is any TLV that can ride in a Management message
type ManagementTLV interface {
	TLV
	MgmtID() ManagementID
	MarshalBinary() ([]byte, error)
}

// Management is a full Management packet with a single TLV payload
type Management struct {
	ManagementMsgHead
	TLV ManagementTLV
}

// marshalMgmtTLV wraps management TLV data bytes with the TLV head and id,
// padding data to an even number of octets
func marshalMgmtTLV(id ManagementID, data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		data = append(data, 0)
	}
	buf := make([]byte, tlvHeadSize+2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(TLVManagement))
	binary.BigEndian.PutUint16(buf[2:], uint16(2+len(data)))
	binary.BigEndian.PutUint16(buf[4:], uint16(id))
	copy(buf[6:], data)
	return buf, nil
}

func marshalMgmtHeadTo(p *ManagementMsgHead, b []byte) int {
	n := headerMarshalBinaryTo(&p.Header, b)
	binary.BigEndian.PutUint64(b[n:], uint64(p.TargetPortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[n+8:], p.TargetPortIdentity.PortNumber)
	b[n+10] = p.StartingBoundaryHops
	b[n+11] = p.BoundaryHops
	b[n+12] = byte(p.ActionField)
	b[n+13] = p.Reserved
	return mgmtHeadSize
}

func unmarshalMgmtHead(p *ManagementMsgHead, b []byte) error {
	if len(b) < mgmtHeadSize {
		return fmt.Errorf("not enough data to decode management message")
	}
	unmarshalHeader(&p.Header, b)
	if err := checkPacketLength(&p.Header, len(b)); err != nil {
		return err
	}
	n := headerSize
	p.TargetPortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[n:]))
	p.TargetPortIdentity.PortNumber = binary.BigEndian.Uint16(b[n+8:])
	p.StartingBoundaryHops = b[n+10]
	p.BoundaryHops = b[n+11]
	p.ActionField = Action(b[n+12])
	p.Reserved = b[n+13]
	return nil
}

// MarshalBinary converts packet to []bytes, fixing up the header message length
func (p *Management) MarshalBinary() ([]byte, error) {
	var tlvBytes []byte
	var err error
	if p.TLV != nil {
		tlvBytes, err = p.TLV.MarshalBinary()
		if err != nil {
			return nil, err
		}
	}
	p.MessageLength = uint16(mgmtHeadSize + len(tlvBytes))
	buf := make([]byte, p.MessageLength)
	n := marshalMgmtHeadTo(&p.ManagementMsgHead, buf)
	copy(buf[n:], tlvBytes)
	return buf, nil
}

// UnmarshalBinary unmarshals bytes to Management
func (p *Management) UnmarshalBinary(b []byte) error {
	if err := unmarshalMgmtHead(&p.ManagementMsgHead, b); err != nil {
		return err
	}
	if int(p.MessageLength) < mgmtHeadSize+tlvHeadSize {
		return fmt.Errorf("management message with no TLV")
	}
	tlv, err := decodeMgmtTLV(b[mgmtHeadSize:int(p.MessageLength)], p.ActionField)
	if err != nil {
		return err
	}
	p.TLV = tlv
	return nil
}

// DecodeMgmtPacket decodes either a Management message or a management error status
func DecodeMgmtPacket(b []byte) (Packet, error) {
	head := ManagementMsgHead{}
	if err := unmarshalMgmtHead(&head, b); err != nil {
		return nil, err
	}
	if len(b) < mgmtHeadSize+tlvHeadSize {
		return nil, fmt.Errorf("management message with no TLV")
	}
	tlvType := TLVType(binary.BigEndian.Uint16(b[mgmtHeadSize:]))
	if tlvType == TLVManagementErrorStatus {
		p := &ManagementMsgErrorStatus{ManagementMsgHead: head}
		if err := p.ManagementErrorStatusTLV.UnmarshalBinary(b[mgmtHeadSize:]); err != nil {
			return nil, fmt.Errorf("got Management Error in response but failed to decode it: %w", err)
		}
		return p, nil
	}
	p := &Management{}
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeMgmtTLV(b []byte, action Action) (ManagementTLV, error) {
	head := ManagementTLVHead{}
	if err := unmarshalTLVHeader(&head.TLVHead, b); err != nil {
		return nil, err
	}
	if head.TLVType != TLVManagement {
		return nil, fmt.Errorf("got TLV type 0x%x instead of 0x%x", head.TLVType, TLVManagement)
	}
	if head.LengthField < 2 || len(b) < tlvHeadSize+int(head.LengthField) {
		return nil, fmt.Errorf("management TLV too short")
	}
	head.ManagementID = ManagementID(binary.BigEndian.Uint16(b[tlvHeadSize:]))
	data := b[tlvHeadSize+2 : tlvHeadSize+int(head.LengthField)]
	// GET requests and SETs of dataless ids carry no payload
	if len(data) == 0 {
		return &head, nil
	}
	switch head.ManagementID {
	case IDPortDataSet:
		tlv := &PortDataSetTLV{ManagementTLVHead: head}
		if err := tlv.unmarshalData(data); err != nil {
			return nil, err
		}
		return tlv, nil
	case IDLogAnnounceInterval, IDAnnounceReceiptTimeout, IDLogSyncInterval,
		IDVersionNumber, IDDelayMechanism, IDLogMinPdelayReqInterval:
		tlv := &ManagementTLVDatum{ManagementTLVHead: head}
		tlv.Val = data[0]
		return tlv, nil
	case IDPortDataSetNP:
		tlv := &PortDataSetNPTLV{ManagementTLVHead: head}
		if err := tlv.unmarshalData(data); err != nil {
			return nil, err
		}
		return tlv, nil
	case IDPortPropertiesNP:
		tlv := &PortPropertiesNPTLV{ManagementTLVHead: head}
		if err := tlv.unmarshalData(data); err != nil {
			return nil, err
		}
		return tlv, nil
	case IDClockDescription:
		tlv := &ClockDescriptionTLV{ManagementTLVHead: head}
		if err := tlv.unmarshalData(data); err != nil {
			return nil, err
		}
		return tlv, nil
	default:
		// id is known to the sender but not to us; responder answers NO_SUCH_ID
		return &head, nil
	}
}

// PortDataSetTLV Spec Table 95 - PORT_DATA_SET management TLV data field
type PortDataSetTLV struct {
	ManagementTLVHead

	PortIdentity            PortIdentity
	PortState               PortState
	LogMinDelayReqInterval  LogInterval
	PeerMeanPathDelay       TimeInterval
	LogAnnounceInterval     LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         LogInterval
	DelayMechanism          DelayMechanism
	LogMinPdelayReqInterval LogInterval
	VersionNumber           uint8
}

// MarshalBinary converts PortDataSetTLV to []bytes
func (t *PortDataSetTLV) MarshalBinary() ([]byte, error) {
	data := make([]byte, 26)
	binary.BigEndian.PutUint64(data, uint64(t.PortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(data[8:], t.PortIdentity.PortNumber)
	data[10] = byte(t.PortState)
	data[11] = byte(t.LogMinDelayReqInterval)
	binary.BigEndian.PutUint64(data[12:], uint64(t.PeerMeanPathDelay))
	data[20] = byte(t.LogAnnounceInterval)
	data[21] = t.AnnounceReceiptTimeout
	data[22] = byte(t.LogSyncInterval)
	data[23] = byte(t.DelayMechanism)
	data[24] = byte(t.LogMinPdelayReqInterval)
	data[25] = t.VersionNumber
	return marshalMgmtTLV(t.ManagementID, data)
}

func (t *PortDataSetTLV) unmarshalData(b []byte) error {
	if len(b) < 26 {
		return fmt.Errorf("not enough data to decode PortDataSetTLV")
	}
	t.PortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b))
	t.PortIdentity.PortNumber = binary.BigEndian.Uint16(b[8:])
	t.PortState = PortState(b[10])
	t.LogMinDelayReqInterval = LogInterval(b[11])
	t.PeerMeanPathDelay = TimeInterval(binary.BigEndian.Uint64(b[12:]))
	t.LogAnnounceInterval = LogInterval(b[20])
	t.AnnounceReceiptTimeout = b[21]
	t.LogSyncInterval = LogInterval(b[22])
	t.DelayMechanism = DelayMechanism(b[23])
	t.LogMinPdelayReqInterval = LogInterval(b[24])
	t.VersionNumber = b[25]
	return nil
}

// ManagementTLVDatum is a single-byte management payload used by the interval and version ids
type ManagementTLVDatum struct {
	ManagementTLVHead

	Val uint8
}

// MarshalBinary converts ManagementTLVDatum to []bytes
func (t *ManagementTLVDatum) MarshalBinary() ([]byte, error) {
	return marshalMgmtTLV(t.ManagementID, []byte{t.Val})
}

// PortDataSetNPTLV is the linuxptp PORT_DATA_SET_NP management TLV
type PortDataSetNPTLV struct {
	ManagementTLVHead

	NeighborPropDelayThresh uint32
	AsCapable               uint32
}

// MarshalBinary converts PortDataSetNPTLV to []bytes
func (t *PortDataSetNPTLV) MarshalBinary() ([]byte, error) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data, t.NeighborPropDelayThresh)
	binary.BigEndian.PutUint32(data[4:], t.AsCapable)
	return marshalMgmtTLV(t.ManagementID, data)
}

func (t *PortDataSetNPTLV) unmarshalData(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("not enough data to decode PortDataSetNPTLV")
	}
	t.NeighborPropDelayThresh = binary.BigEndian.Uint32(b)
	t.AsCapable = binary.BigEndian.Uint32(b[4:])
	return nil
}

// Timestamping is an enum describing timestamping type, matching what ptp4l reports
type Timestamping uint8

// timestamping types as reported in PORT_PROPERTIES_NP
const (
	TimestampingSoftware Timestamping = iota
	TimestampingHardware
	TimestampingLegacyHW
	TimestampingOneStep
	TimestampingP2P1Step
)

// PortPropertiesNPTLV is the linuxptp PORT_PROPERTIES_NP management TLV.
// Port state and timestamping ride the wire in host byte order, as ptp4l sends them.
type PortPropertiesNPTLV struct {
	ManagementTLVHead

	PortIdentity PortIdentity
	PortState    PortState
	Timestamping Timestamping
	Interface    PTPText
}

// MarshalBinary converts PortPropertiesNPTLV to []bytes
func (t *PortPropertiesNPTLV) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, t.PortIdentity); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, hostendian.Order, t.PortState); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, hostendian.Order, t.Timestamping); err != nil {
		return nil, err
	}
	ifaceBytes, err := t.Interface.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(ifaceBytes)
	return marshalMgmtTLV(t.ManagementID, buf.Bytes())
}

func (t *PortPropertiesNPTLV) unmarshalData(b []byte) error {
	if len(b) < 13 {
		return fmt.Errorf("not enough data to decode PortPropertiesNPTLV")
	}
	t.PortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b))
	t.PortIdentity.PortNumber = binary.BigEndian.Uint16(b[8:])
	t.PortState = PortState(b[10])
	t.Timestamping = Timestamping(b[11])
	return t.Interface.UnmarshalBinary(b[12:])
}

// PhysicalAddress is a length-prefixed physical (MAC) address
type PhysicalAddress []byte

// ClockDescriptionTLV Spec Table 62 - CLOCK_DESCRIPTION management TLV data field
type ClockDescriptionTLV struct {
	ManagementTLVHead

	ClockType             uint16
	PhysicalLayerProtocol PTPText
	PhysicalAddress       PhysicalAddress
	ProtocolAddress       PortAddress
	ManufacturerIdentity  [3]uint8
	ProductDescription    PTPText
	RevisionData          PTPText
	UserDescription       PTPText
	ProfileIdentity       [6]uint8
}

// profile identities from the 1588 default profiles annex
var (
	ProfileIdentityDRR = [6]uint8{0x00, 0x1B, 0x19, 0x00, 0x01, 0x00}
	ProfileIdentityP2P = [6]uint8{0x00, 0x1B, 0x19, 0x00, 0x02, 0x00}
)

// MarshalBinary converts ClockDescriptionTLV to []bytes
func (t *ClockDescriptionTLV) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, t.ClockType); err != nil {
		return nil, err
	}
	plp, err := t.PhysicalLayerProtocol.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(plp)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(t.PhysicalAddress))); err != nil {
		return nil, err
	}
	buf.Write(t.PhysicalAddress)
	pa, err := t.ProtocolAddress.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(pa)
	buf.Write(t.ManufacturerIdentity[:])
	buf.WriteByte(0) // reserved
	for _, text := range []*PTPText{&t.ProductDescription, &t.RevisionData, &t.UserDescription} {
		tb, err := text.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf.Write(tb)
	}
	buf.Write(t.ProfileIdentity[:])
	return marshalMgmtTLV(t.ManagementID, buf.Bytes())
}

func (t *ClockDescriptionTLV) unmarshalData(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("not enough data to decode ClockDescriptionTLV")
	}
	t.ClockType = binary.BigEndian.Uint16(b)
	pos := 2
	next, err := unmarshalText(&t.PhysicalLayerProtocol, b[pos:])
	if err != nil {
		return err
	}
	pos += next
	if len(b) < pos+2 {
		return fmt.Errorf("not enough data to decode physical address")
	}
	palen := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if len(b) < pos+palen {
		return fmt.Errorf("not enough data to decode physical address")
	}
	t.PhysicalAddress = PhysicalAddress(b[pos : pos+palen])
	pos += palen
	if err := t.ProtocolAddress.UnmarshalBinary(b[pos:]); err != nil {
		return err
	}
	pos += 4 + int(t.ProtocolAddress.AddressLength)
	if len(b) < pos+4 {
		return fmt.Errorf("not enough data to decode manufacturer identity")
	}
	copy(t.ManufacturerIdentity[:], b[pos:])
	pos += 4 // including reserved byte
	for _, text := range []*PTPText{&t.ProductDescription, &t.RevisionData, &t.UserDescription} {
		next, err := unmarshalText(text, b[pos:])
		if err != nil {
			return err
		}
		pos += next
	}
	if len(b) < pos+6 {
		return fmt.Errorf("not enough data to decode profile identity")
	}
	copy(t.ProfileIdentity[:], b[pos:])
	return nil
}

// unmarshalText reads a PTPText and returns how many padded bytes it occupied
func unmarshalText(p *PTPText, b []byte) (int, error) {
	if err := p.UnmarshalBinary(b); err != nil {
		return 0, err
	}
	n := 1 + len(*p)
	if len(*p)%2 != 0 {
		n++
	}
	return n, nil
}

// ManagementErrorStatusTLV spec Table 108 MANAGEMENT_ERROR_STATUS TLV format
type ManagementErrorStatusTLV struct {
	TLVHead

	ManagementErrorID ManagementErrorID
	ManagementID      ManagementID
	Reserved          uint32
	DisplayData       PTPText
}

// ManagementMsgErrorStatus is header + ManagementErrorStatusTLV
type ManagementMsgErrorStatus struct {
	ManagementMsgHead
	ManagementErrorStatusTLV
}

// MarshalBinary converts packet to []bytes
func (p *ManagementMsgErrorStatus) MarshalBinary() ([]byte, error) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data, uint16(p.ManagementErrorID))
	binary.BigEndian.PutUint16(data[2:], uint16(p.ManagementErrorStatusTLV.ManagementID))
	binary.BigEndian.PutUint32(data[4:], p.ManagementErrorStatusTLV.Reserved)
	if p.DisplayData != "" {
		dd, err := p.DisplayData.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("writing ManagementMsgErrorStatus DisplayData: %w", err)
		}
		data = append(data, dd...)
	}
	if len(data)%2 != 0 {
		data = append(data, 0)
	}
	p.ManagementErrorStatusTLV.TLVHead = TLVHead{
		TLVType:     TLVManagementErrorStatus,
		LengthField: uint16(len(data)),
	}
	p.MessageLength = uint16(mgmtHeadSize + tlvHeadSize + len(data))
	buf := make([]byte, p.MessageLength)
	n := marshalMgmtHeadTo(&p.ManagementMsgHead, buf)
	tlvHeadMarshalBinaryTo(&p.ManagementErrorStatusTLV.TLVHead, buf[n:])
	copy(buf[n+tlvHeadSize:], data)
	return buf, nil
}

// UnmarshalBinary parses []byte and populates ManagementErrorStatusTLV fields
func (t *ManagementErrorStatusTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 8, false); err != nil {
		return err
	}
	t.ManagementErrorID = ManagementErrorID(binary.BigEndian.Uint16(b[tlvHeadSize:]))
	t.ManagementID = ManagementID(binary.BigEndian.Uint16(b[tlvHeadSize+2:]))
	t.Reserved = binary.BigEndian.Uint32(b[tlvHeadSize+4:])
	if int(t.LengthField) > 8 {
		// DisplayData is completely optional
		if err := t.DisplayData.UnmarshalBinary(b[tlvHeadSize+8:]); err != nil {
			return fmt.Errorf("reading ManagementErrorStatusTLV DisplayData: %w", err)
		}
	}
	return nil
}
