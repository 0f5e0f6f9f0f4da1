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
	"time"
)

// FaultType classifies the reason a port went FAULTY
type FaultType uint8

// fault types
const (
	FaultUnspecified FaultType = iota
	FaultBadPeerNetwork
	FaultSwitchPHC
	faultTypeCount
)

// FaultTypeToString is a map from FaultType to string
var FaultTypeToString = map[FaultType]string{
	FaultUnspecified:    "FT_UNSPECIFIED",
	FaultBadPeerNetwork: "FT_BAD_PEER_NETWORK",
	FaultSwitchPHC:      "FT_SWITCH_PHC",
}

func (f FaultType) String() string {
	return FaultTypeToString[f]
}

// FaultIntervalType says how FaultInterval.Val is scaled
type FaultIntervalType uint8

// fault interval scales
const (
	FaultIntervalLog2Seconds FaultIntervalType = iota
	FaultIntervalLinearSeconds
)

// FaultResetASAP is the log2-seconds sentinel requesting immediate fault clearing
const FaultResetASAP = -128

// FaultInterval is a per-fault-type retry schedule
type FaultInterval struct {
	Type FaultIntervalType
	Val  int
}

// ASAP reports whether the fault should be cleared immediately
func (i FaultInterval) ASAP() bool {
	switch i.Type {
	case FaultIntervalLinearSeconds:
		return i.Val == 0
	case FaultIntervalLog2Seconds:
		return i.Val == FaultResetASAP
	}
	return false
}

// Duration converts the interval to a time.Duration
func (i FaultInterval) Duration() time.Duration {
	switch i.Type {
	case FaultIntervalLinearSeconds:
		return time.Duration(i.Val) * time.Second
	case FaultIntervalLog2Seconds:
		return logSecondsToDuration(1, i.Val)
	}
	return 0
}
