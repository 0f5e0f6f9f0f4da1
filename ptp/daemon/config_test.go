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

package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/facebookincubator/ptpd/ptp/protocol"
	"github.com/facebookincubator/ptpd/ptp/tsproc"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfig(t *testing.T) {
	path := writeConfig(t, `
priority1: 120
domainNumber: 5
slaveOnly: true
timestamping: software
interfaces:
  - name: eth0
    logSyncInterval: -3
    delay_mechanism: p2p
    follow_up_info: true
    neighborPropDelayThresh: 800
  - name: eth1
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(120), cfg.Priority1)
	assert.Equal(t, uint8(5), cfg.DomainNumber)
	assert.True(t, cfg.SlaveOnly)
	require.Len(t, cfg.Interfaces, 2)

	pc := cfg.PortConfig(cfg.Interfaces[0], 1)
	assert.Equal(t, "eth0", pc.Interface)
	assert.Equal(t, uint16(1), pc.PortNumber)
	assert.Equal(t, ptp.DelayMechanismP2P, pc.DelayMechanism)
	assert.Equal(t, -3, pc.LogSyncInterval)
	assert.True(t, pc.FollowUpInfo)
	assert.Equal(t, uint32(800), pc.NeighborPropDelayThresh)
	// defaults filled for keys the file does not set
	assert.Equal(t, 1, pc.LogAnnounceInterval)
	assert.Equal(t, uint8(3), pc.AnnounceReceiptTimeout)
	assert.Equal(t, tsproc.FilterMovingMedian, pc.DelayFilter)

	pc = cfg.PortConfig(cfg.Interfaces[1], 2)
	assert.Equal(t, ptp.DelayMechanismE2E, pc.DelayMechanism)
	assert.Equal(t, uint32(20000000), pc.NeighborPropDelayThresh)

	cc := cfg.ClockConfig()
	assert.True(t, cc.SlaveOnly)
	assert.Equal(t, uint8(120), cc.Priority1)
}

func TestReadConfigNoInterfaces(t *testing.T) {
	path := writeConfig(t, `priority1: 128`)
	_, err := ReadConfig(path)
	assert.Error(t, err)
}

func TestReadConfigBadDelayMechanism(t *testing.T) {
	path := writeConfig(t, `
interfaces:
  - name: eth0
    delay_mechanism: banana
`)
	_, err := ReadConfig(path)
	assert.Error(t, err)
}

func TestReadConfigDuplicateInterface(t *testing.T) {
	path := writeConfig(t, `
interfaces:
  - name: eth0
  - name: eth0
`)
	_, err := ReadConfig(path)
	assert.Error(t, err)
}

func TestReadConfigBadTimestamping(t *testing.T) {
	path := writeConfig(t, `
timestamping: quantum
interfaces:
  - name: eth0
`)
	_, err := ReadConfig(path)
	assert.Error(t, err)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig("/nonexistent/ptpd.yaml")
	assert.Error(t, err)
}

func TestFaultIntervals(t *testing.T) {
	path := writeConfig(t, `
interfaces:
  - name: eth0
    fault_reset_interval: -128
`)
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	pc := cfg.PortConfig(cfg.Interfaces[0], 1)
	assert.True(t, pc.FaultResetInterval.ASAP())
	assert.Equal(t, 16, pc.FaultBadPeerNetInterval.Val)
}
