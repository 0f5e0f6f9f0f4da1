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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockIdentityFromMAC(t *testing.T) {
	mac, err := net.ParseMAC("0c:42:a1:6d:7c:a6")
	require.NoError(t, err)
	ci, err := NewClockIdentity(mac)
	require.NoError(t, err)
	assert.Equal(t, ClockIdentity(0x0c42a1fffe6d7ca6), ci)
	assert.Equal(t, "0c42a1.fffe.6d7ca6", ci.String())
	assert.Equal(t, mac, ci.MAC())

	_, err = NewClockIdentity(net.HardwareAddr{1, 2, 3})
	assert.Error(t, err)
}

func TestPortIdentityCompare(t *testing.T) {
	a := PortIdentity{ClockIdentity: 1, PortNumber: 1}
	b := PortIdentity{ClockIdentity: 1, PortNumber: 2}
	c := PortIdentity{ClockIdentity: 2, PortNumber: 1}
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))
}

func TestCorrection(t *testing.T) {
	c := NewCorrection(2.5)
	assert.Equal(t, Correction(0x28000), c)
	assert.InEpsilon(t, 2.5, c.Nanoseconds(), 0.00001)
	assert.Equal(t, time.Duration(2), c.Duration())

	tooBig := NewCorrection(1e18)
	assert.True(t, tooBig.TooBig())
	assert.Equal(t, time.Duration(0), tooBig.Duration())
}

func TestTimeInterval(t *testing.T) {
	ti := NewTimeInterval(12.5)
	assert.InEpsilon(t, 12.5, ti.Nanoseconds(), 0.00001)
	assert.Equal(t, float64(12), NewTimeInterval(12).Nanoseconds())
}

func TestTimestampConversion(t *testing.T) {
	now := time.Unix(1653574585, 123456789)
	ts := NewTimestamp(now)
	assert.Equal(t, now, ts.Time())
	assert.False(t, ts.Empty())
	assert.True(t, Timestamp{}.Empty())
	assert.True(t, NewTimestamp(time.Time{}).Empty())
}

func TestLogInterval(t *testing.T) {
	assert.Equal(t, time.Second, LogInterval(0).Duration())
	assert.Equal(t, 2*time.Second, LogInterval(1).Duration())
	assert.Equal(t, 125*time.Millisecond, LogInterval(-3).Duration())

	li, err := NewLogInterval(time.Second)
	require.NoError(t, err)
	assert.Equal(t, LogInterval(0), li)
	li, err = NewLogInterval(250 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, LogInterval(-2), li)
}

func TestPTPTextMarshal(t *testing.T) {
	text := PTPText("eth0")
	b, err := text.MarshalBinary()
	require.NoError(t, err)
	// length byte + 4 chars, no padding: text length is even
	assert.Equal(t, []byte{4, 'e', 't', 'h', '0'}, b)

	odd := PTPText("eth")
	b, err = odd.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 'e', 't', 'h', 0}, b)

	var got PTPText
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, odd, got)

	var empty PTPText
	require.NoError(t, empty.UnmarshalBinary([]byte{0}))
	assert.Equal(t, PTPText(""), empty)
}

func TestPortAddressIP(t *testing.T) {
	pa := PortAddress{
		NetworkProtocol: TransportTypeUDPIPV4,
		AddressLength:   4,
		AddressField:    []byte{192, 168, 0, 1},
	}
	ip, err := pa.IP()
	require.NoError(t, err)
	assert.Equal(t, net.IP{192, 168, 0, 1}, ip)

	b, err := pa.MarshalBinary()
	require.NoError(t, err)
	var got PortAddress
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, pa, got)

	bad := PortAddress{NetworkProtocol: TransportTypeUDPIPV6, AddressLength: 4, AddressField: []byte{1, 2, 3, 4}}
	_, err = bad.IP()
	assert.Error(t, err)
}

func TestSdoIDAndMsgType(t *testing.T) {
	st := NewSdoIDAndMsgType(MessageSync, 1)
	assert.Equal(t, MessageSync, st.MsgType())
	assert.Equal(t, uint8(1), st.TransportSpecific())
	assert.True(t, MessageSync.Event())
	assert.True(t, MessagePDelayResp.Event())
	assert.False(t, MessageAnnounce.Event())
}
