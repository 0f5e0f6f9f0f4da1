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
)

// TLV abstracts away any TLV
type TLV interface {
	Type() TLVType
}

const tlvHeadSize = 4

// PathTraceMax limits how many clock identities we carry in a PATH_TRACE TLV
const PathTraceMax = 8

// TLVHead is a common part of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16 // The length of all TLVs shall be an even number of octets
}

// Type implements TLV interface
func (t TLVHead) Type() TLVType {
	return t.TLVType
}

func tlvHeadMarshalBinaryTo(t *TLVHead, b []byte) {
	binary.BigEndian.PutUint16(b, uint16(t.TLVType))
	binary.BigEndian.PutUint16(b[2:], t.LengthField)
}

func unmarshalTLVHeader(p *TLVHead, b []byte) error {
	if len(b) < tlvHeadSize {
		return fmt.Errorf("not enough data to decode TLV header")
	}
	p.TLVType = TLVType(binary.BigEndian.Uint16(b[0:]))
	p.LengthField = binary.BigEndian.Uint16(b[2:])
	return nil
}

func checkTLVLength(p *TLVHead, l, want int, strict bool) error {
	if strict && int(p.LengthField) != want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}
	if int(p.LengthField) < want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of at least %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}
	if tlvHeadSize+int(p.LengthField) > l {
		return fmt.Errorf("cannot decode TLV of length %d from %d bytes", tlvHeadSize+int(p.LengthField), l)
	}
	return nil
}

func writeTLVs(tlvs []TLV, b []byte) (int, error) {
	pos := 0
	for _, tlv := range tlvs {
		if ttlv, ok := tlv.(BinaryMarshalerTo); ok {
			nn, err := ttlv.MarshalBinaryTo(b[pos:])
			if err != nil {
				return 0, err
			}
			pos += nn
			continue
		}
		// very inefficient path for TLVs that don't support MarshalBinaryTo
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.BigEndian, tlv); err != nil {
			return 0, err
		}
		bbytes := buf.Bytes()
		copy(b[pos:], bbytes)
		pos += len(bbytes)
	}
	return pos, nil
}

func readTLVs(tlvs []TLV, maxLength int, b []byte) ([]TLV, error) {
	pos := 0
	for {
		// packet can have trailing bytes, let's make sure we don't try to read past given length
		if pos+tlvHeadSize > maxLength {
			break
		}
		tlvType := TLVType(binary.BigEndian.Uint16(b[pos:]))

		switch tlvType {
		case TLVPathTrace:
			tlv := &PathTraceTLV{}
			if err := tlv.UnmarshalBinary(b[pos:]); err != nil {
				return tlvs, err
			}
			tlvs = append(tlvs, tlv)
			pos += tlvHeadSize + int(tlv.LengthField)
		case TLVOrganizationExtension:
			tlv, err := decodeOrgExtensionTLV(b[pos:])
			if err != nil {
				return tlvs, err
			}
			tlvs = append(tlvs, tlv)
			head := TLVHead{}
			if err := unmarshalTLVHeader(&head, b[pos:]); err != nil {
				return tlvs, err
			}
			pos += tlvHeadSize + int(head.LengthField)
		default:
			return tlvs, fmt.Errorf("reading TLV %s (%d) is not yet implemented", tlvType, tlvType)
		}
	}
	return tlvs, nil
}

// PathTraceTLV Table 115 PATH_TRACE TLV format
type PathTraceTLV struct {
	TLVHead
	// The value of the lengthField is 8N.
	PathSequence []ClockIdentity // N
}

// MarshalBinaryTo marshals PathTraceTLV to bytes
func (t *PathTraceTLV) MarshalBinaryTo(b []byte) (int, error) {
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	for _, ps := range t.PathSequence {
		binary.BigEndian.PutUint64(b[pos:pos+8], uint64(ps))
		pos += 8
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *PathTraceTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 8, false); err != nil {
		return err
	}
	t.PathSequence = []ClockIdentity{}
	for i := 0; i*8 < int(t.TLVHead.LengthField); i++ {
		pos := tlvHeadSize + i*8
		if pos+8 > len(b) {
			break
		}
		identity := ClockIdentity(binary.BigEndian.Uint64(b[pos:]))
		t.PathSequence = append(t.PathSequence, identity)
	}
	return nil
}

// Has reports whether the path sequence already contains given clock identity
func (t *PathTraceTLV) Has(id ClockIdentity) bool {
	for _, ps := range t.PathSequence {
		if ps == id {
			return true
		}
	}
	return false
}

// NewPathTraceTLV builds PATH_TRACE TLV from a list of clock identities
func NewPathTraceTLV(path []ClockIdentity) *PathTraceTLV {
	return &PathTraceTLV{
		TLVHead: TLVHead{
			TLVType:     TLVPathTrace,
			LengthField: uint16(8 * len(path)),
		},
		PathSequence: path,
	}
}

// organization identity and subtype of the 802.1AS follow-up information TLV
var (
	OrgIDIEEE8021          = [3]uint8{0x00, 0x80, 0xC2}
	OrgSubtypeFollowUpInfo = [3]uint8{0x00, 0x00, 0x01}
)

const followUpInfoDataLen = 28 // id + subtype + payload

// FollowUpInfoTLV is the ORGANIZATION_EXTENSION TLV with id 00-80-C2 and
// subtype 00-00-01 carried in 802.1AS Follow_Up messages
type FollowUpInfoTLV struct {
	TLVHead
	OrganizationID             [3]uint8
	OrganizationSubType        [3]uint8
	CumulativeScaledRateOffset int32
	GMTimeBaseIndicator        uint16
	LastGMPhaseChange          ScaledNS
	ScaledLastGMFreqChange     int32
}

// MarshalBinaryTo marshals FollowUpInfoTLV to bytes
func (t *FollowUpInfoTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+followUpInfoDataLen {
		return 0, fmt.Errorf("not enough buffer to write FollowUpInfoTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	copy(b[tlvHeadSize:], t.OrganizationID[:])
	copy(b[tlvHeadSize+3:], t.OrganizationSubType[:])
	binary.BigEndian.PutUint32(b[tlvHeadSize+6:], uint32(t.CumulativeScaledRateOffset))
	binary.BigEndian.PutUint16(b[tlvHeadSize+10:], t.GMTimeBaseIndicator)
	binary.BigEndian.PutUint16(b[tlvHeadSize+12:], t.LastGMPhaseChange.NanosecondsMSB)
	binary.BigEndian.PutUint64(b[tlvHeadSize+14:], t.LastGMPhaseChange.NanosecondsLSB)
	binary.BigEndian.PutUint16(b[tlvHeadSize+22:], t.LastGMPhaseChange.FractionalNanoseconds)
	binary.BigEndian.PutUint32(b[tlvHeadSize+24:], uint32(t.ScaledLastGMFreqChange))
	return tlvHeadSize + followUpInfoDataLen, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *FollowUpInfoTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), followUpInfoDataLen, false); err != nil {
		return err
	}
	copy(t.OrganizationID[:], b[tlvHeadSize:])
	copy(t.OrganizationSubType[:], b[tlvHeadSize+3:])
	t.CumulativeScaledRateOffset = int32(binary.BigEndian.Uint32(b[tlvHeadSize+6:]))
	t.GMTimeBaseIndicator = binary.BigEndian.Uint16(b[tlvHeadSize+10:])
	t.LastGMPhaseChange.NanosecondsMSB = binary.BigEndian.Uint16(b[tlvHeadSize+12:])
	t.LastGMPhaseChange.NanosecondsLSB = binary.BigEndian.Uint64(b[tlvHeadSize+14:])
	t.LastGMPhaseChange.FractionalNanoseconds = binary.BigEndian.Uint16(b[tlvHeadSize+22:])
	t.ScaledLastGMFreqChange = int32(binary.BigEndian.Uint32(b[tlvHeadSize+24:]))
	return nil
}

// NewFollowUpInfoTLV builds the TLV with the correct type, length, id and subtype
func NewFollowUpInfoTLV() *FollowUpInfoTLV {
	return &FollowUpInfoTLV{
		TLVHead: TLVHead{
			TLVType:     TLVOrganizationExtension,
			LengthField: followUpInfoDataLen,
		},
		OrganizationID:      OrgIDIEEE8021,
		OrganizationSubType: OrgSubtypeFollowUpInfo,
	}
}

// OrganizationExtensionTLV holds any ORGANIZATION_EXTENSION TLV we don't recognize
type OrganizationExtensionTLV struct {
	TLVHead
	OrganizationID      [3]uint8
	OrganizationSubType [3]uint8
	Data                []byte
}

// MarshalBinaryTo marshals OrganizationExtensionTLV to bytes
func (t *OrganizationExtensionTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < tlvHeadSize+6+len(t.Data) {
		return 0, fmt.Errorf("not enough buffer to write OrganizationExtensionTLV")
	}
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	copy(b[tlvHeadSize:], t.OrganizationID[:])
	copy(b[tlvHeadSize+3:], t.OrganizationSubType[:])
	copy(b[tlvHeadSize+6:], t.Data)
	return tlvHeadSize + 6 + len(t.Data), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *OrganizationExtensionTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 6, false); err != nil {
		return err
	}
	copy(t.OrganizationID[:], b[tlvHeadSize:])
	copy(t.OrganizationSubType[:], b[tlvHeadSize+3:])
	t.Data = make([]byte, int(t.LengthField)-6)
	copy(t.Data, b[tlvHeadSize+6:])
	return nil
}

// decodeOrgExtensionTLV decides between the follow-up info TLV and the
// generic fallback. The organization id is deliberately not checked here:
// some switches send follow-up information with a vendor id.
func decodeOrgExtensionTLV(b []byte) (TLV, error) {
	head := TLVHead{}
	if err := unmarshalTLVHeader(&head, b); err != nil {
		return nil, err
	}
	if err := checkTLVLength(&head, len(b), 6, false); err != nil {
		return nil, err
	}
	var subtype [3]uint8
	copy(subtype[:], b[tlvHeadSize+3:])
	if subtype == OrgSubtypeFollowUpInfo && int(head.LengthField) >= followUpInfoDataLen {
		tlv := &FollowUpInfoTLV{}
		if err := tlv.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return tlv, nil
	}
	tlv := &OrganizationExtensionTLV{}
	if err := tlv.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return tlv, nil
}

// Signaling is a Signaling message, parsed but not acted upon
type Signaling struct {
	Header
	TargetPortIdentity PortIdentity
	TLVs               []TLV
}

// UnmarshalBinary unmarshals bytes to Signaling. TLVs we don't support are skipped.
func (p *Signaling) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize+10 {
		return fmt.Errorf("not enough data to decode Signaling")
	}
	unmarshalHeader(&p.Header, b)
	if err := checkPacketLength(&p.Header, len(b)); err != nil {
		return err
	}
	p.TargetPortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[headerSize:]))
	p.TargetPortIdentity.PortNumber = binary.BigEndian.Uint16(b[headerSize+8:])
	// signaling content is not acted upon, so any TLV we cannot read is left unparsed
	tlvs, err := readTLVs(nil, int(p.MessageLength)-headerSize-10, b[headerSize+10:])
	if err == nil {
		p.TLVs = tlvs
	}
	return nil
}

// MarshalBinary converts packet to []bytes
func (p *Signaling) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 508)
	n := headerMarshalBinaryTo(&p.Header, buf)
	binary.BigEndian.PutUint64(buf[n:], uint64(p.TargetPortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(buf[n+8:], p.TargetPortIdentity.PortNumber)
	tlvLen, err := writeTLVs(p.TLVs, buf[n+10:])
	return buf[:n+10+tlvLen], err
}
