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
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// Stats is the set of per-port counters we track. Snapshots of it are
// exported as JSON by the daemon's monitoring endpoint.
type Stats struct {
	RXMsgType [16]uint64 `json:"ptp.port.rx"`
	TXMsgType [16]uint64 `json:"ptp.port.tx"`

	AnnounceTimeout       uint64 `json:"ptp.port.announce_timeout"`
	SyncTimeout           uint64 `json:"ptp.port.sync_timeout"`
	DelayTimeout          uint64 `json:"ptp.port.delay_timeout"`
	QualificationTimeout  uint64 `json:"ptp.port.qualification_timeout"`
	MasterAnnounceTimeout uint64 `json:"ptp.port.master_announce_timeout"`
	MasterSyncTimeout     uint64 `json:"ptp.port.master_sync_timeout"`
	SyncMismatch          uint64 `json:"ptp.port.sync_mismatch"`
	FollowupMismatch      uint64 `json:"ptp.port.followup_mismatch"`
	Ignored               uint64 `json:"ptp.port.ignored"`
	BadMessages           uint64 `json:"ptp.port.bad_messages"`
	MissingTimestamps     uint64 `json:"ptp.port.missing_timestamps"`
}

// IncRX bumps the receive counter for the message type
func (s *Stats) IncRX(t ptp.MessageType) {
	s.RXMsgType[t]++
}

// IncTX bumps the transmit counter for the message type
func (s *Stats) IncTX(t ptp.MessageType) {
	s.TXMsgType[t]++
}

// Stats returns a copy of the port's counters
func (p *Port) Stats() Stats {
	return p.stats
}
