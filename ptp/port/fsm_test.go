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
	"testing"

	"github.com/stretchr/testify/assert"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

func TestPtpFSM(t *testing.T) {
	tests := []struct {
		state ptp.PortState
		event Event
		want  ptp.PortState
	}{
		{ptp.PortStateInitializing, EvInitComplete, ptp.PortStateListening},
		{ptp.PortStateInitializing, EvFaultDetected, ptp.PortStateFaulty},
		{ptp.PortStateFaulty, EvFaultCleared, ptp.PortStateInitializing},
		{ptp.PortStateFaulty, EvDesignatedDisabled, ptp.PortStateDisabled},
		{ptp.PortStateDisabled, EvDesignatedEnabled, ptp.PortStateInitializing},
		{ptp.PortStateListening, EvAnnounceReceiptTimeoutExpires, ptp.PortStateMaster},
		{ptp.PortStateListening, EvRSMaster, ptp.PortStatePreMaster},
		{ptp.PortStateListening, EvRSGrandMaster, ptp.PortStateGrandMaster},
		{ptp.PortStateListening, EvRSSlave, ptp.PortStateUncalibrated},
		{ptp.PortStateListening, EvRSPassive, ptp.PortStatePassive},
		{ptp.PortStatePreMaster, EvQualificationTimeoutExpires, ptp.PortStateMaster},
		{ptp.PortStatePreMaster, EvRSSlave, ptp.PortStateUncalibrated},
		{ptp.PortStateMaster, EvRSSlave, ptp.PortStateUncalibrated},
		{ptp.PortStateMaster, EvRSPassive, ptp.PortStatePassive},
		{ptp.PortStateGrandMaster, EvRSSlave, ptp.PortStateUncalibrated},
		{ptp.PortStatePassive, EvRSMaster, ptp.PortStatePreMaster},
		{ptp.PortStatePassive, EvAnnounceReceiptTimeoutExpires, ptp.PortStatePreMaster},
		{ptp.PortStateUncalibrated, EvMasterClockSelected, ptp.PortStateSlave},
		{ptp.PortStateUncalibrated, EvRSGrandMaster, ptp.PortStateGrandMaster},
		{ptp.PortStateSlave, EvSynchronizationFault, ptp.PortStateUncalibrated},
		{ptp.PortStateSlave, EvRSMaster, ptp.PortStatePreMaster},
		{ptp.PortStateSlave, EvRSPassive, ptp.PortStatePassive},
		// events with no transition leave the state alone
		{ptp.PortStateSlave, EvQualificationTimeoutExpires, ptp.PortStateSlave},
		{ptp.PortStateMaster, EvMasterClockSelected, ptp.PortStateMaster},
	}
	for _, tt := range tests {
		got := PtpFSM(tt.state, tt.event, false)
		assert.Equal(t, tt.want, got, "PtpFSM(%s, %s)", tt.state, tt.event)
	}

	// INITIALIZE and POWERUP reset from any state
	for _, state := range []ptp.PortState{ptp.PortStateSlave, ptp.PortStateMaster, ptp.PortStateFaulty} {
		assert.Equal(t, ptp.PortStateInitializing, PtpFSM(state, EvInitialize, false))
		assert.Equal(t, ptp.PortStateInitializing, PtpFSM(state, EvPowerup, false))
	}
}

func TestPtpSlaveFSM(t *testing.T) {
	tests := []struct {
		state ptp.PortState
		event Event
		want  ptp.PortState
	}{
		{ptp.PortStateInitializing, EvInitComplete, ptp.PortStateListening},
		{ptp.PortStateListening, EvRSSlave, ptp.PortStateUncalibrated},
		// a slave-only port never becomes master
		{ptp.PortStateListening, EvAnnounceReceiptTimeoutExpires, ptp.PortStateListening},
		{ptp.PortStateListening, EvRSMaster, ptp.PortStateListening},
		{ptp.PortStateUncalibrated, EvMasterClockSelected, ptp.PortStateSlave},
		{ptp.PortStateUncalibrated, EvAnnounceReceiptTimeoutExpires, ptp.PortStateListening},
		{ptp.PortStateSlave, EvAnnounceReceiptTimeoutExpires, ptp.PortStateListening},
		{ptp.PortStateSlave, EvSynchronizationFault, ptp.PortStateUncalibrated},
		{ptp.PortStateSlave, EvDesignatedDisabled, ptp.PortStateDisabled},
	}
	for _, tt := range tests {
		got := PtpSlaveFSM(tt.state, tt.event, false)
		assert.Equal(t, tt.want, got, "PtpSlaveFSM(%s, %s)", tt.state, tt.event)
	}
}
