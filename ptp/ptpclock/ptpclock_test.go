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

package ptpclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
)

const ownID ptp.ClockIdentity = 0x0c42a1fffe6d7ca6

func TestNewClockIsOwnGrandmaster(t *testing.T) {
	c := New(Config{Priority1: 128, Priority2: 128}, ownID)
	assert.Equal(t, ownID, c.Identity())
	assert.Equal(t, ownID, c.ParentIdentity().ClockIdentity)
	assert.Equal(t, ownID, c.ParentDS().GrandmasterIdentity)
	assert.Equal(t, uint16(0), c.StepsRemoved())
	assert.Equal(t, 1.0, c.RateRatio())
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.Normalize()
	assert.Equal(t, ptp.ClockClassDefault, cfg.ClockClass)
	assert.Equal(t, ptp.ClockAccuracyUnknown, cfg.ClockAccuracy)

	cfg = Config{SlaveOnly: true}
	cfg.Normalize()
	assert.Equal(t, ptp.ClockClassSlaveOnly, cfg.ClockClass)
}

func TestSynchronizeStates(t *testing.T) {
	c := New(Config{}, ownID)

	// first sample: servo still initializing
	state := c.Synchronize(time.Unix(100, 1000), time.Unix(100, 0))
	assert.NotEqual(t, 0, len(c.ParentDS().GrandmasterIdentity.String()))
	assert.Equal(t, "LOCKING", state.String())
}

func TestPathDelayFromSyncAndDelayResp(t *testing.T) {
	c := New(Config{}, ownID)

	// sync leg: t1=1000 t2=1600
	c.Synchronize(time.Unix(0, 1600), time.Unix(0, 1000))
	// delay leg: t3=2000 t4=2400
	c.PathDelay(time.Unix(0, 2000), time.Unix(0, 2400))
	// mpd = ((1600-1000) + (2400-2000)) / 2 = 500
	assert.Equal(t, 500*time.Nanosecond, c.PathDelayValue())

	// negative measurements are rejected
	c.PathDelay(time.Unix(0, 5000), time.Unix(0, 2000))
	assert.Equal(t, 500*time.Nanosecond, c.PathDelayValue())
}

func TestPeerDelayStored(t *testing.T) {
	c := New(Config{}, ownID)
	c.PeerDelay(42*time.Nanosecond, time.Unix(0, 0), time.Unix(0, 0), 1.0)
	assert.Equal(t, 42*time.Nanosecond, c.PathDelayValue())
}

func TestUpdateTimeProperties(t *testing.T) {
	c := New(Config{UTCOffset: 37}, ownID)
	require.Equal(t, int16(37), c.TimeProperties().CurrentUTCOffset)

	tp := c.TimeProperties()
	tp.CurrentUTCOffset = 38
	c.UpdateTimeProperties(tp)
	assert.Equal(t, int16(38), c.TimeProperties().CurrentUTCOffset)
}
