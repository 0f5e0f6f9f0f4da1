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

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ptpd/ptp/bmc"
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// ForeignMasterThreshold is how many qualified announcements a foreign
// master needs before it takes part in the best master election, and the
// cap on how many we buffer per sender. See 9.3.2.5.
const ForeignMasterThreshold = 2

// announceEntry is one buffered announcement with its arrival time
type announceEntry struct {
	msg  *ptp.Announce
	rx   time.Time
	addr netip.AddrPort
}

// current reports whether the announcement is younger than
// 4 * 2^logMessageInterval at the given time
func (e *announceEntry) current(now time.Time) bool {
	li := e.msg.LogMessageInterval
	var tmo time.Duration
	switch {
	case li < -63:
		tmo = 0
	case li > 31:
		return true
	case li < 0:
		tmo = time.Duration(4 * uint64(time.Second) >> uint(-li))
	default:
		tmo = time.Duration(4 * (uint64(1) << uint(li)) * uint64(time.Second))
	}
	return now.Sub(e.rx) < tmo
}

// foreignClock buffers announcements from one remote sender. Messages
// are kept newest first.
type foreignClock struct {
	dataset  bmc.Dataset
	messages []*announceEntry
}

// clear drops all buffered announcements
func (fc *foreignClock) clear() {
	fc.messages = nil
}

// prune drops messages above the threshold and messages past their age bound
func (fc *foreignClock) prune(now time.Time) {
	if len(fc.messages) > ForeignMasterThreshold {
		fc.messages = fc.messages[:ForeignMasterThreshold]
	}
	for len(fc.messages) > 0 {
		last := fc.messages[len(fc.messages)-1]
		if last.current(now) {
			break
		}
		fc.messages = fc.messages[:len(fc.messages)-1]
	}
}

// push adds an announcement as the newest entry
func (fc *foreignClock) push(e *announceEntry) {
	fc.messages = append([]*announceEntry{e}, fc.messages...)
}

// latest returns the newest buffered announcement
func (fc *foreignClock) latest() *announceEntry {
	if len(fc.messages) == 0 {
		return nil
	}
	return fc.messages[0]
}

// announceCompare reports whether the grandmaster-priority fields of two
// announcements differ
func announceCompare(a, b *ptp.Announce) bool {
	return a.GrandmasterPriority1 != b.GrandmasterPriority1 ||
		a.GrandmasterClockQuality != b.GrandmasterClockQuality ||
		a.GrandmasterPriority2 != b.GrandmasterPriority2 ||
		a.GrandmasterIdentity != b.GrandmasterIdentity ||
		a.StepsRemoved != b.StepsRemoved
}

// addForeignMaster feeds an announcement into the store, creating a new
// foreign clock on first contact. Returns whether the result requires a
// new BMC decision: the sender crossed the qualification threshold, or
// its advertised grandmaster changed.
func (p *Port) addForeignMaster(m *ptp.Announce, rx time.Time, addr netip.AddrPort) bool {
	fc := p.foreign[m.SourcePortIdentity]
	if fc == nil {
		log.Infof("port %d: new foreign master %s", p.identity.PortNumber, m.SourcePortIdentity)
		fc = &foreignClock{
			dataset: bmc.Dataset{Sender: m.SourcePortIdentity},
		}
		p.foreign[m.SourcePortIdentity] = fc
	}

	// if this message breaks the threshold, that is an important change
	fc.prune(rx)
	brokeThreshold := len(fc.messages) == ForeignMasterThreshold-1 || p.is8021AS()

	diff := false
	if prev := fc.latest(); prev != nil {
		diff = announceCompare(m, prev.msg)
	}
	fc.push(&announceEntry{msg: m, rx: rx, addr: addr})

	return brokeThreshold || diff
}

// updateCurrentMaster handles an announcement while PASSIVE, UNCALIBRATED
// or SLAVE. If it comes from the current best master, time properties are
// refreshed and the announce-receipt timer reset; otherwise the message is
// routed through the foreign master store.
func (p *Port) updateCurrentMaster(m *ptp.Announce, rx time.Time, addr netip.AddrPort) bool {
	fc := p.best
	if fc == nil || fc.dataset.Sender != m.SourcePortIdentity {
		return p.addForeignMaster(m, rx, addr)
	}

	if p.state != ptp.PortStatePassive {
		p.clock.UpdateTimeProperties(TimePropertiesDS{
			CurrentUTCOffset: m.CurrentUTCOffset,
			Flags:            uint8(m.FlagField & 0xff),
			TimeSource:       m.TimeSource,
		})
	}
	p.setAnnounceTmo()
	fc.prune(rx)
	diff := false
	if prev := fc.latest(); prev != nil {
		diff = announceCompare(m, prev.msg)
	}
	fc.push(&announceEntry{msg: m, rx: rx, addr: addr})
	return diff
}

// ComputeBest recomputes and returns the port's best foreign master
func (p *Port) ComputeBest(now time.Time) *bmc.Dataset {
	p.best = nil

	for _, fc := range p.foreign {
		e := fc.latest()
		if e == nil {
			continue
		}
		fc.dataset = bmc.DatasetFromAnnounce(e.msg, p.identity)
		fc.prune(now)

		if !p.is8021AS() && len(fc.messages) < ForeignMasterThreshold {
			continue
		}
		if p.best == nil {
			p.best = fc
		} else if bmc.Dscmp(&fc.dataset, &p.best.dataset).Better() {
			p.best = fc
		} else {
			fc.clear()
		}
	}

	if p.best == nil {
		return nil
	}
	return &p.best.dataset
}

// BestForeign returns the dataset of the current best foreign master, if any
func (p *Port) BestForeign() *bmc.Dataset {
	if p.best == nil {
		return nil
	}
	return &p.best.dataset
}

// freeForeignMasters empties the foreign master store
func (p *Port) freeForeignMasters() {
	p.best = nil
	p.foreign = make(map[ptp.PortIdentity]*foreignClock)
}

// bestAddr returns the protocol address the best master announces from
func (p *Port) bestAddr() (netip.AddrPort, bool) {
	if p.best == nil {
		return netip.AddrPort{}, false
	}
	e := p.best.latest()
	if e == nil {
		return netip.AddrPort{}, false
	}
	return e.addr, e.addr.IsValid()
}
