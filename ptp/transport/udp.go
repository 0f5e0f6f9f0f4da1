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

// Package transport provides the UDP wire transports the ports send and
// receive through, with socket timestamping on the event port.
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/ptpd/dscp"
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/timestamp"
)

// PTP multicast groups
var (
	PrimaryMulticastIPv4 = net.ParseIP("224.0.1.129")
	PdelayMulticastIPv4  = net.ParseIP("224.0.0.107")
	PrimaryMulticastIPv6 = net.ParseIP("ff0e::181")
	PdelayMulticastIPv6  = net.ParseIP("ff02::6b")
)

// UDPConfig configures a UDP transport
type UDPConfig struct {
	IPv6         bool
	Timestamping timestamp.Timestamp
	DSCP         int
}

// UDP is a PTP transport over UDPv4 or UDPv6 multicast
type UDP struct {
	cfg UDPConfig

	iface       *net.Interface
	localIP     net.IP
	eventConn   *net.UDPConn
	generalConn *net.UDPConn
	eFd         int
	gFd         int

	eventDst       unix.Sockaddr
	generalDst     unix.Sockaddr
	peerEventDst   unix.Sockaddr
	peerGeneralDst unix.Sockaddr
}

// NewUDP returns an unopened UDP transport
func NewUDP(cfg UDPConfig) *UDP {
	return &UDP{cfg: cfg, eFd: -1, gFd: -1}
}

// Type implements port.Transport
func (u *UDP) Type() ptp.TransportType {
	if u.cfg.IPv6 {
		return ptp.TransportTypeUDPIPV6
	}
	return ptp.TransportTypeUDPIPV4
}

func (u *UDP) multicastGroups() (primary, pdelay net.IP) {
	if u.cfg.IPv6 {
		return PrimaryMulticastIPv6, PdelayMulticastIPv6
	}
	return PrimaryMulticastIPv4, PdelayMulticastIPv4
}

func (u *UDP) joinMulticast(fd int, group net.IP) error {
	if u.cfg.IPv6 {
		mreq := &unix.IPv6Mreq{Interface: uint32(u.iface.Index)}
		copy(mreq.Multiaddr[:], group.To16())
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	}
	mreq := &unix.IPMreqn{Ifindex: int32(u.iface.Index)}
	copy(mreq.Multiaddr[:], group.To4())
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
}

func (u *UDP) listen(port int) (*net.UDPConn, int, error) {
	network := "udp4"
	bindIP := net.IPv4zero
	if u.cfg.IPv6 {
		network = "udp6"
		bindIP = net.IPv6unspecified
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return nil, -1, err
	}
	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, -1, err
	}
	return conn, fd, nil
}

func (u *UDP) localInterfaceIP() (net.IP, error) {
	addrs, err := u.iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if u.cfg.IPv6 && ipnet.IP.To4() == nil {
			return ipnet.IP, nil
		}
		if !u.cfg.IPv6 && ipnet.IP.To4() != nil {
			return ipnet.IP.To4(), nil
		}
	}
	return nil, fmt.Errorf("no usable address on %s", u.iface.Name)
}

// Open implements port.Transport
func (u *UDP) Open(ifaceName string) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("resolving interface %q: %w", ifaceName, err)
	}
	u.iface = iface
	u.localIP, err = u.localInterfaceIP()
	if err != nil {
		return err
	}

	eventConn, eFd, err := u.listen(ptp.PortEvent)
	if err != nil {
		return fmt.Errorf("binding event port: %w", err)
	}
	generalConn, gFd, err := u.listen(ptp.PortGeneral)
	if err != nil {
		eventConn.Close()
		return fmt.Errorf("binding general port: %w", err)
	}
	u.eventConn, u.eFd = eventConn, eFd
	u.generalConn, u.gFd = generalConn, gFd

	primary, pdelay := u.multicastGroups()
	for _, fd := range []int{eFd, gFd} {
		for _, group := range []net.IP{primary, pdelay} {
			if err := u.joinMulticast(fd, group); err != nil {
				u.Close()
				return fmt.Errorf("joining %s: %w", group, err)
			}
		}
	}

	if err := timestamp.EnableTimestamps(u.cfg.Timestamping, eFd, iface); err != nil {
		u.Close()
		return fmt.Errorf("enabling timestamps: %w", err)
	}
	if u.cfg.DSCP != 0 {
		for _, fd := range []int{eFd, gFd} {
			if err := dscp.Enable(fd, u.localIP, u.cfg.DSCP); err != nil {
				log.Warningf("failed to set DSCP on %s: %v", ifaceName, err)
			}
		}
	}

	u.eventDst = timestamp.IPToSockaddr(primary, ptp.PortEvent)
	u.generalDst = timestamp.IPToSockaddr(primary, ptp.PortGeneral)
	u.peerEventDst = timestamp.IPToSockaddr(pdelay, ptp.PortEvent)
	u.peerGeneralDst = timestamp.IPToSockaddr(pdelay, ptp.PortGeneral)
	return nil
}

// Close implements port.Transport
func (u *UDP) Close() error {
	var err error
	if u.eventConn != nil {
		err = u.eventConn.Close()
		u.eventConn = nil
		u.eFd = -1
	}
	if u.generalConn != nil {
		if cerr := u.generalConn.Close(); err == nil {
			err = cerr
		}
		u.generalConn = nil
		u.gFd = -1
	}
	return err
}

// sendEvent transmits on the event port and collects the egress timestamp
func (u *UDP) sendEvent(b []byte, dst unix.Sockaddr) (time.Time, error) {
	if u.eFd < 0 {
		return time.Time{}, fmt.Errorf("transport is not open")
	}
	if err := unix.Sendto(u.eFd, b, 0, dst); err != nil {
		return time.Time{}, err
	}
	switch u.cfg.Timestamping {
	case timestamp.SW, timestamp.HW:
		txts, attempts, err := timestamp.ReadTXtimestamp(u.eFd)
		if err != nil {
			return time.Time{}, fmt.Errorf("no TX timestamp after %d tries: %w", attempts, err)
		}
		return txts, nil
	}
	// rx-only timestamping, the caller has to live without an egress time
	return time.Time{}, nil
}

// SendEvent implements port.Transport
func (u *UDP) SendEvent(b []byte) (time.Time, error) {
	return u.sendEvent(b, u.eventDst)
}

// SendGeneral implements port.Transport
func (u *UDP) SendGeneral(b []byte) error {
	if u.gFd < 0 {
		return fmt.Errorf("transport is not open")
	}
	return unix.Sendto(u.gFd, b, 0, u.generalDst)
}

// SendEventPeer implements port.Transport
func (u *UDP) SendEventPeer(b []byte) (time.Time, error) {
	return u.sendEvent(b, u.peerEventDst)
}

// SendGeneralPeer implements port.Transport
func (u *UDP) SendGeneralPeer(b []byte) error {
	if u.gFd < 0 {
		return fmt.Errorf("transport is not open")
	}
	return unix.Sendto(u.gFd, b, 0, u.peerGeneralDst)
}

// SendEventTo implements port.Transport
func (u *UDP) SendEventTo(b []byte, addr netip.AddrPort) (time.Time, error) {
	return u.sendEvent(b, timestamp.AddrToSockaddr(addr.Addr(), int(addr.Port())))
}

// SendGeneralTo implements port.Transport
func (u *UDP) SendGeneralTo(b []byte, addr netip.AddrPort) error {
	if u.gFd < 0 {
		return fmt.Errorf("transport is not open")
	}
	return unix.Sendto(u.gFd, b, 0, timestamp.AddrToSockaddr(addr.Addr(), int(addr.Port())))
}

// PhysicalAddr implements port.Transport
func (u *UDP) PhysicalAddr() []byte {
	if u.iface == nil {
		return nil
	}
	return u.iface.HardwareAddr
}

// ProtocolAddr implements port.Transport
func (u *UDP) ProtocolAddr() []byte {
	return u.localIP
}

// RecvEvent reads one event message with its ingress timestamp
func (u *UDP) RecvEvent(buf, oob []byte) (int, netip.AddrPort, time.Time, error) {
	n, sa, rxts, err := timestamp.ReadPacketWithRXTimestampBuf(u.eFd, buf, oob)
	if err != nil {
		return 0, netip.AddrPort{}, time.Time{}, err
	}
	return n, sockaddrToAddrPort(sa), rxts, nil
}

// RecvGeneral reads one general message
func (u *UDP) RecvGeneral(buf []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(u.gFd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, sockaddrToAddrPort(sa), nil
}

// EventFd exposes the event socket for the readiness loop
func (u *UDP) EventFd() int { return u.eFd }

// GeneralFd exposes the general socket for the readiness loop
func (u *UDP) GeneralFd() int { return u.gFd }

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	addr := timestamp.SockaddrToAddr(sa)
	port := timestamp.SockaddrToPort(sa)
	return netip.AddrPortFrom(addr, uint16(port))
}
