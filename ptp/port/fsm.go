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

// Event is a port state machine event
type Event uint8

// port state machine events
const (
	EvNone Event = iota
	EvPowerup
	EvInitialize
	EvDesignatedEnabled
	EvDesignatedDisabled
	EvFaultCleared
	EvFaultDetected
	EvStateDecision
	EvQualificationTimeoutExpires
	EvAnnounceReceiptTimeoutExpires
	EvSynchronizationFault
	EvMasterClockSelected
	EvInitComplete
	EvRSMaster
	EvRSGrandMaster
	EvRSSlave
	EvRSPassive
)

// EventToString is a map from Event to string
var EventToString = map[Event]string{
	EvNone:                          "NONE",
	EvPowerup:                       "POWERUP",
	EvInitialize:                    "INITIALIZE",
	EvDesignatedEnabled:             "DESIGNATED_ENABLED",
	EvDesignatedDisabled:            "DESIGNATED_DISABLED",
	EvFaultCleared:                  "FAULT_CLEARED",
	EvFaultDetected:                 "FAULT_DETECTED",
	EvStateDecision:                 "STATE_DECISION_EVENT",
	EvQualificationTimeoutExpires:   "QUALIFICATION_TIMEOUT_EXPIRES",
	EvAnnounceReceiptTimeoutExpires: "ANNOUNCE_RECEIPT_TIMEOUT_EXPIRES",
	EvSynchronizationFault:          "SYNCHRONIZATION_FAULT",
	EvMasterClockSelected:           "MASTER_CLOCK_SELECTED",
	EvInitComplete:                  "INIT_COMPLETE",
	EvRSMaster:                      "RS_MASTER",
	EvRSGrandMaster:                 "RS_GRAND_MASTER",
	EvRSSlave:                       "RS_SLAVE",
	EvRSPassive:                     "RS_PASSIVE",
}

func (e Event) String() string {
	return EventToString[e]
}

// StateMachine computes the next port state from the current one, the
// event, and whether the best foreign master changed. It is a pure
// function; all side effects belong to the caller.
type StateMachine func(state ptp.PortState, event Event, mdiff bool) ptp.PortState

// PtpFSM is the state machine for a full, master-capable port
func PtpFSM(state ptp.PortState, event Event, mdiff bool) ptp.PortState {
	next := state

	if event == EvInitialize || event == EvPowerup {
		return ptp.PortStateInitializing
	}

	switch state {
	case ptp.PortStateInitializing:
		switch event {
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvInitComplete:
			next = ptp.PortStateListening
		}

	case ptp.PortStateFaulty:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultCleared:
			next = ptp.PortStateInitializing
		}

	case ptp.PortStateDisabled:
		if event == EvDesignatedEnabled {
			next = ptp.PortStateInitializing
		}

	case ptp.PortStateListening:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvAnnounceReceiptTimeoutExpires:
			next = ptp.PortStateMaster
		case EvRSMaster:
			next = ptp.PortStatePreMaster
		case EvRSGrandMaster:
			next = ptp.PortStateGrandMaster
		case EvRSSlave:
			next = ptp.PortStateUncalibrated
		case EvRSPassive:
			next = ptp.PortStatePassive
		}

	case ptp.PortStatePreMaster:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvQualificationTimeoutExpires:
			next = ptp.PortStateMaster
		case EvRSGrandMaster:
			next = ptp.PortStateGrandMaster
		case EvRSSlave:
			next = ptp.PortStateUncalibrated
		case EvRSPassive:
			next = ptp.PortStatePassive
		}

	case ptp.PortStateMaster, ptp.PortStateGrandMaster:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvRSSlave:
			next = ptp.PortStateUncalibrated
		case EvRSPassive:
			next = ptp.PortStatePassive
		}

	case ptp.PortStatePassive:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvAnnounceReceiptTimeoutExpires, EvRSMaster:
			next = ptp.PortStatePreMaster
		case EvRSGrandMaster:
			next = ptp.PortStateGrandMaster
		case EvRSSlave:
			next = ptp.PortStateUncalibrated
		}

	case ptp.PortStateUncalibrated:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvAnnounceReceiptTimeoutExpires, EvRSMaster:
			next = ptp.PortStatePreMaster
		case EvRSGrandMaster:
			next = ptp.PortStateGrandMaster
		case EvMasterClockSelected:
			next = ptp.PortStateSlave
		case EvRSPassive:
			next = ptp.PortStatePassive
		}

	case ptp.PortStateSlave:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvSynchronizationFault:
			next = ptp.PortStateUncalibrated
		case EvAnnounceReceiptTimeoutExpires, EvRSMaster:
			next = ptp.PortStatePreMaster
		case EvRSGrandMaster:
			next = ptp.PortStateGrandMaster
		case EvRSPassive:
			next = ptp.PortStatePassive
		}
	}

	return next
}

// PtpSlaveFSM is the state machine for a slave-only port
func PtpSlaveFSM(state ptp.PortState, event Event, mdiff bool) ptp.PortState {
	next := state

	if event == EvInitialize || event == EvPowerup {
		return ptp.PortStateInitializing
	}

	switch state {
	case ptp.PortStateInitializing:
		switch event {
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvInitComplete:
			next = ptp.PortStateListening
		}

	case ptp.PortStateFaulty:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultCleared:
			next = ptp.PortStateInitializing
		}

	case ptp.PortStateDisabled:
		if event == EvDesignatedEnabled {
			next = ptp.PortStateInitializing
		}

	case ptp.PortStateListening:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvRSSlave:
			next = ptp.PortStateUncalibrated
		}

	case ptp.PortStateUncalibrated:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvAnnounceReceiptTimeoutExpires:
			next = ptp.PortStateListening
		case EvMasterClockSelected:
			next = ptp.PortStateSlave
		}

	case ptp.PortStateSlave:
		switch event {
		case EvDesignatedDisabled:
			next = ptp.PortStateDisabled
		case EvFaultDetected:
			next = ptp.PortStateFaulty
		case EvAnnounceReceiptTimeoutExpires:
			next = ptp.PortStateListening
		case EvSynchronizationFault:
			next = ptp.PortStateUncalibrated
		}
	}

	return next
}
