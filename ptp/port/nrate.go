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

	log "github.com/sirupsen/logrus"
)

// nrateEstimator computes the neighbor rate ratio: the slope of the
// peer's clock against ours, measured between two pdelay exchanges
// maxCount samples apart.
type nrateEstimator struct {
	ratio      float64
	origin1    time.Time
	ingress1   time.Time
	maxCount   uint
	count      uint
	ratioValid bool
}

// nrateCalculate feeds one successful pdelay exchange into the estimator
func (p *Port) nrateCalculate(origin, ingress time.Time) {
	n := &p.nrate

	// we experienced a successful exchange of peer delay request
	// and response, reset pdrMissing for this port
	p.pdrMissing = 0

	if n.ingress1.IsZero() {
		n.ingress1 = ingress
		n.origin1 = origin
		return
	}
	n.count++
	if n.count < n.maxCount {
		return
	}
	if ingress.Equal(n.ingress1) {
		log.Warningf("port %d: bad timestamps in nrate calculation", p.identity.PortNumber)
		return
	}
	n.ratio = float64(origin.Sub(n.origin1)) / float64(ingress.Sub(n.ingress1))
	n.ingress1 = ingress
	n.origin1 = origin
	n.count = 0
	n.ratioValid = true
}

// nrateInitialize resets the estimator and puts the port back into the
// 'incapable' state.
func (p *Port) nrateInitialize() {
	shift := p.cfg.FreqEstInterval - p.cfg.LogMinPdelayReqInterval
	if shift < 0 {
		shift = 0
	} else if shift >= 31 {
		shift = 30
		log.Warningf("port %d: freq_est_interval is too long", p.identity.PortNumber)
	}

	// we start in the 'incapable' state
	p.pdrMissing = allowedLostResponses + 1
	p.asCapable = false

	p.peerPortIDValid = false

	p.nrate = nrateEstimator{
		ratio:    1.0,
		maxCount: 1 << uint(shift),
	}
}
