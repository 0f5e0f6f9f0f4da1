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
	"time"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// Transport is the wire sender the port transmits through. Event sends
// return the egress timestamp of the packet when the timestamping mode
// provides one; a zero time means the timestamp was not available and
// two-step transmission must be deferred.
type Transport interface {
	Type() ptp.TransportType

	// Open binds the transport to the interface; Close releases it.
	// Open after Close must work, faulty ports reinitialize this way.
	Open(iface string) error

	// multicast (or transport-default destination) sends
	SendEvent(b []byte) (time.Time, error)
	SendGeneral(b []byte) error

	// peer delay messages go to the link-local peer address
	SendEventPeer(b []byte) (time.Time, error)
	SendGeneralPeer(b []byte) error

	// unicast sends for hybrid mode and management replies
	SendEventTo(b []byte, addr netip.AddrPort) (time.Time, error)
	SendGeneralTo(b []byte, addr netip.AddrPort) error

	// addresses for CLOCK_DESCRIPTION
	PhysicalAddr() []byte
	ProtocolAddr() []byte

	Close() error
}
