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

// Package bmc implements the dataset comparison half of the Best Master
// Clock algorithm over datasets extracted from Announce messages.
package bmc

import (
	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

// Dataset holds the grandmaster attributes a clock advertises, plus the
// sender/receiver pair the advertisement travelled between.
type Dataset struct {
	Priority1    uint8
	Identity     ptp.ClockIdentity
	Quality      ptp.ClockQuality
	Priority2    uint8
	StepsRemoved uint16
	Sender       ptp.PortIdentity
	Receiver     ptp.PortIdentity
}

// DatasetFromAnnounce extracts the comparison dataset from an Announce
// received by the given port.
func DatasetFromAnnounce(m *ptp.Announce, receiver ptp.PortIdentity) Dataset {
	return Dataset{
		Priority1:    m.GrandmasterPriority1,
		Identity:     m.GrandmasterIdentity,
		Quality:      m.GrandmasterClockQuality,
		Priority2:    m.GrandmasterPriority2,
		StepsRemoved: m.StepsRemoved,
		Sender:       m.SourcePortIdentity,
		Receiver:     receiver,
	}
}

// ComparisonResult is the type to represent comparisons
type ComparisonResult int8

const (
	// ABetterTopo means A is better based on topology
	ABetterTopo ComparisonResult = 2
	// ABetter means A is better based on dataset content
	ABetter ComparisonResult = 1
	// Unknown means we failed to determine better
	Unknown ComparisonResult = 0
	// BBetter means B is better based on dataset content
	BBetter ComparisonResult = -1
	// BBetterTopo means B is better based on topology
	BBetterTopo ComparisonResult = -2
)

// Dscmp2 breaks the tie between two datasets advertising the same
// grandmaster, based on network topology.
func Dscmp2(a, b *Dataset) ComparisonResult {
	if a.StepsRemoved+1 < b.StepsRemoved {
		return ABetter
	}
	if b.StepsRemoved+1 < a.StepsRemoved {
		return BBetter
	}
	diff := a.Sender.Compare(b.Sender)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	diff = a.Receiver.Compare(b.Receiver)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Unknown
}

// Dscmp finds the better of two datasets based on the grandmaster
// attributes they carry.
func Dscmp(a, b *Dataset) ComparisonResult {
	if a.Identity == b.Identity {
		return Dscmp2(a, b)
	}
	if a.Priority1 < b.Priority1 {
		return ABetter
	}
	if a.Priority1 > b.Priority1 {
		return BBetter
	}
	if a.Quality.ClockClass < b.Quality.ClockClass {
		return ABetter
	}
	if a.Quality.ClockClass > b.Quality.ClockClass {
		return BBetter
	}
	if a.Quality.ClockAccuracy < b.Quality.ClockAccuracy {
		return ABetter
	}
	if a.Quality.ClockAccuracy > b.Quality.ClockAccuracy {
		return BBetter
	}
	if a.Quality.OffsetScaledLogVariance < b.Quality.OffsetScaledLogVariance {
		return ABetter
	}
	if a.Quality.OffsetScaledLogVariance > b.Quality.OffsetScaledLogVariance {
		return BBetter
	}
	if a.Priority2 < b.Priority2 {
		return ABetter
	}
	if a.Priority2 > b.Priority2 {
		return BBetter
	}
	if a.Identity < b.Identity {
		return ABetter
	}
	return BBetter
}

// Better reports whether the comparison favors A
func (c ComparisonResult) Better() bool {
	return c > 0
}
