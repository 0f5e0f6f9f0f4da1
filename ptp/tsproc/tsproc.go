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

// Package tsproc turns pairs of upstream/downstream timestamps into a
// propagation delay estimate, optionally run through a sliding filter.
package tsproc

import (
	"fmt"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// Mode controls how the delay estimate is produced
type Mode uint8

// processing modes
const (
	ModeRaw Mode = iota
	ModeRawWeight
	ModeFilter
	ModeFilterWeight
)

// ModeToString is a map from Mode to string
var ModeToString = map[Mode]string{
	ModeRaw:          "raw",
	ModeRawWeight:    "raw_weight",
	ModeFilter:       "filter",
	ModeFilterWeight: "filter_weight",
}

func (m Mode) String() string {
	return ModeToString[m]
}

// Supported delay filters
const (
	FilterNone         = ""
	FilterMovingMedian = "moving_median"
	FilterMovingMean   = "moving_average"
)

var errNotEnoughData = fmt.Errorf("not enough data")

// Processor accumulates sync and delay timestamps and produces the
// filtered mean path delay.
type Processor struct {
	mode           Mode
	filterName     string
	window         *slidingWindow
	clockRateRatio float64

	t1, t2, t3, t4 time.Time

	// spread of raw delay observations, for monitoring
	spread *welford.Stats
}

// New creates a Processor with given mode and filter settings
func New(mode Mode, filter string, filterLength int) *Processor {
	return &Processor{
		mode:           mode,
		filterName:     filter,
		window:         newSlidingWindow(filterLength),
		clockRateRatio: 1.0,
		spread:         welford.New(),
	}
}

// SetClockRateRatio sets the ratio applied to the far end's interval t3 - t2
func (tsp *Processor) SetClockRateRatio(r float64) {
	tsp.clockRateRatio = r
}

// Reset forgets accumulated timestamps and filter state
func (tsp *Processor) Reset() {
	tsp.t1 = time.Time{}
	tsp.t2 = time.Time{}
	tsp.t3 = time.Time{}
	tsp.t4 = time.Time{}
	tsp.window = newSlidingWindow(tsp.window.size)
	tsp.spread = welford.New()
}

// UpTS records the request leg: t1 its departure, t2 its arrival at the far end
func (tsp *Processor) UpTS(t1, t2 time.Time) {
	tsp.t1 = t1
	tsp.t2 = t2
}

// DownTS records the response leg: t3 its departure from the far end, t4 its arrival
func (tsp *Processor) DownTS(t3, t4 time.Time) {
	tsp.t3 = t3
	tsp.t4 = t4
}

// rawDelay = ((t2 - t3) * rr + (t4 - t1)) / 2
func (tsp *Processor) rawDelay() time.Duration {
	t23 := float64(tsp.t2.Sub(tsp.t3))
	if tsp.clockRateRatio != 1.0 {
		t23 *= tsp.clockRateRatio
	}
	t41 := float64(tsp.t4.Sub(tsp.t1))
	return time.Duration((t23 + t41) / 2)
}

// UpdateDelay computes the delay estimate from the accumulated timestamps
func (tsp *Processor) UpdateDelay() (time.Duration, error) {
	if tsp.t1.IsZero() || tsp.t2.IsZero() || tsp.t3.IsZero() || tsp.t4.IsZero() {
		return 0, errNotEnoughData
	}
	raw := tsp.rawDelay()
	tsp.spread.Add(float64(raw))
	if tsp.mode == ModeRaw || tsp.mode == ModeRawWeight {
		return raw, nil
	}
	if raw < 0 {
		log.Warningf("negative delay %v in filtered mode, ignoring", raw)
		return 0, fmt.Errorf("negative delay %v", raw)
	}
	tsp.window.add(float64(raw))
	switch tsp.filterName {
	case FilterMovingMedian:
		return time.Duration(tsp.window.median()), nil
	case FilterMovingMean:
		return time.Duration(tsp.window.mean()), nil
	default:
		return raw, nil
	}
}

// Spread returns the standard deviation of raw delay observations
func (tsp *Processor) Spread() float64 {
	if tsp.spread.Count() < 2 {
		return 0
	}
	return tsp.spread.Stddev()
}
