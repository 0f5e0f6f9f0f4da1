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

package tsproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(ns int64) time.Time {
	return time.Unix(0, ns)
}

func TestUpdateDelayRaw(t *testing.T) {
	tsp := New(ModeRaw, FilterNone, 1)
	// t1=100 t2=110 t3=115 t4=130: delay = ((110-115) + (130-100))/2 = 12.5
	tsp.UpTS(at(100), at(110))
	tsp.DownTS(at(115), at(130))
	delay, err := tsp.UpdateDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(12), delay)
}

func TestUpdateDelayRateRatio(t *testing.T) {
	tsp := New(ModeRaw, FilterNone, 1)
	tsp.SetClockRateRatio(2.0)
	tsp.UpTS(at(100), at(110))
	tsp.DownTS(at(115), at(130))
	// ((110-115)*2 + (130-100))/2 = 10
	delay, err := tsp.UpdateDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(10), delay)
}

func TestUpdateDelayNotEnoughData(t *testing.T) {
	tsp := New(ModeRaw, FilterNone, 1)
	tsp.UpTS(at(100), at(110))
	_, err := tsp.UpdateDelay()
	assert.Error(t, err)
}

func TestUpdateDelayFilterMedian(t *testing.T) {
	tsp := New(ModeFilter, FilterMovingMedian, 3)
	for i, raw := range []int64{10, 20, 300} {
		tsp.UpTS(at(0), at(raw))
		tsp.DownTS(at(0), at(raw))
		delay, err := tsp.UpdateDelay()
		require.NoError(t, err)
		switch i {
		case 0:
			assert.Equal(t, 10*time.Nanosecond, delay)
		case 1:
			assert.Equal(t, 15*time.Nanosecond, delay)
		case 2:
			assert.Equal(t, 20*time.Nanosecond, delay)
		}
	}
}

func TestUpdateDelayFilterMean(t *testing.T) {
	tsp := New(ModeFilter, FilterMovingMean, 2)
	tsp.UpTS(at(0), at(10))
	tsp.DownTS(at(0), at(10))
	_, err := tsp.UpdateDelay()
	require.NoError(t, err)

	tsp.UpTS(at(0), at(30))
	tsp.DownTS(at(0), at(30))
	delay, err := tsp.UpdateDelay()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Nanosecond, delay)
}

func TestUpdateDelayNegativeFiltered(t *testing.T) {
	tsp := New(ModeFilter, FilterMovingMedian, 3)
	tsp.UpTS(at(100), at(90))
	tsp.DownTS(at(200), at(190))
	_, err := tsp.UpdateDelay()
	assert.Error(t, err)
}

func TestSpread(t *testing.T) {
	tsp := New(ModeRaw, FilterNone, 1)
	assert.Equal(t, float64(0), tsp.Spread())
	for _, raw := range []int64{10, 20, 30} {
		tsp.UpTS(at(0), at(raw))
		tsp.DownTS(at(0), at(raw))
		_, err := tsp.UpdateDelay()
		require.NoError(t, err)
	}
	assert.Greater(t, tsp.Spread(), float64(0))
}

func TestReset(t *testing.T) {
	tsp := New(ModeFilter, FilterMovingMedian, 3)
	tsp.UpTS(at(0), at(10))
	tsp.DownTS(at(0), at(10))
	_, err := tsp.UpdateDelay()
	require.NoError(t, err)

	tsp.Reset()
	_, err = tsp.UpdateDelay()
	assert.Error(t, err)
}
