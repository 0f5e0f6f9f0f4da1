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
Package daemon wires clock, ports and transports together and runs the
single-threaded readiness loop the port engine expects: socket readers
feed one channel, and one goroutine owns every port, calling handlers to
completion.
*/
package daemon

import (
	"context"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/ptpd/ptp/port"
	"github.com/facebookincubator/ptpd/ptp/ptpclock"
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/ptp/transport"
	"github.com/facebookincubator/ptpd/timestamp"
)

// inPacket is one received datagram on its way to the owning goroutine
type inPacket struct {
	portIndex int
	data      []byte
	ts        time.Time
	addr      netip.AddrPort
}

// Daemon owns the clock, its ports and their transports
type Daemon struct {
	cfg    *Config
	clock  *ptpclock.Clock
	ports  []*port.Port
	udp    []*transport.UDP
	inChan chan *inPacket
}

// New builds the daemon from config
func New(cfg *Config) (*Daemon, error) {
	iface, err := net.InterfaceByName(cfg.Interfaces[0].Name)
	if err != nil {
		return nil, err
	}
	cid, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return nil, err
	}
	log.Infof("using ClockIdentity %s", cid)

	clock := ptpclock.New(cfg.ClockConfig(), cid)

	d := &Daemon{
		cfg:    cfg,
		clock:  clock,
		inChan: make(chan *inPacket, 128),
	}
	for i, ic := range cfg.Interfaces {
		udp := transport.NewUDP(transport.UDPConfig{
			IPv6:         ic.NetworkTransport == transportUDPv6,
			Timestamping: cfg.Timestamp(),
			DSCP:         cfg.DSCP,
		})
		p := port.New(cfg.PortConfig(ic, uint16(i+1)), clock, udp)
		clock.AddPort(p)
		d.ports = append(d.ports, p)
		d.udp = append(d.udp, udp)
	}
	return d, nil
}

// Clock returns the daemon's clock
func (d *Daemon) Clock() *ptpclock.Clock { return d.clock }

// handleEvents routes events coming out of port handlers
func (d *Daemon) handleEvents(p *port.Port, events ...port.Event) {
	for _, ev := range events {
		switch ev {
		case port.EvNone:
		case port.EvStateDecision:
			d.clock.StateDecision(time.Now())
		default:
			p.Dispatch(ev, false)
		}
	}
}

// reader pumps one socket into the shared channel
func (d *Daemon) readEvent(ctx context.Context, i int) error {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	oob := make([]byte, timestamp.ControlSizeBytes)
	for ctx.Err() == nil {
		n, addr, rxts, err := d.udp[i].RecvEvent(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("reading event packet on %s: %v", d.ports[i].Name(), err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.inChan <- &inPacket{portIndex: i, data: data, ts: rxts, addr: addr}
	}
	return nil
}

func (d *Daemon) readGeneral(ctx context.Context, i int) error {
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, addr, err := d.udp[i].RecvGeneral(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("reading general packet on %s: %v", d.ports[i].Name(), err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.inChan <- &inPacket{portIndex: i, data: data, addr: addr}
	}
	return nil
}

// Run brings all ports up and runs until the context is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, p := range d.ports {
		p.Open()
	}
	defer func() {
		for _, p := range d.ports {
			p.Close()
		}
	}()

	for i := range d.ports {
		i := i
		eg.Go(func() error { return d.readEvent(ctx, i) })
		eg.Go(func() error { return d.readGeneral(ctx, i) })
	}

	if d.cfg.MonitoringPort != 0 {
		eg.Go(func() error { return d.serveMonitoring(ctx) })
	}

	eg.Go(func() error {
		tick := time.NewTimer(time.Second)
		defer tick.Stop()
		for {
			// sleep until the earliest timer deadline across all ports
			next := time.Now().Add(time.Second)
			for _, p := range d.ports {
				if deadline, ok := p.NextDeadline(); ok && deadline.Before(next) {
					next = deadline
				}
			}
			tick.Reset(time.Until(next))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case pkt := <-d.inChan:
				p := d.ports[pkt.portIndex]
				d.handleEvents(p, p.Recv(pkt.data, pkt.ts, pkt.addr))
			case <-tick.C:
				now := time.Now()
				for _, p := range d.ports {
					d.handleEvents(p, p.Tick(now)...)
				}
			}
		}
	})

	return eg.Wait()
}
