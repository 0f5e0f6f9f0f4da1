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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/ptpd/ptp/port"
)

// portStatus is the monitoring snapshot of one port
type portStatus struct {
	Interface         string     `json:"iface"`
	State             string     `json:"state"`
	AsCapable         bool       `json:"as_capable"`
	PeerMeanPathDelay float64    `json:"peer_mean_path_delay_ns"`
	Counters          port.Stats `json:"counters"`
}

// status is the monitoring snapshot of the whole daemon
type status struct {
	PathDelayNS int64        `json:"path_delay_ns"`
	MeanFreqPPB float64      `json:"mean_freq_ppb"`
	Ports       []portStatus `json:"ports"`
}

// serveMonitoring exposes daemon state as JSON, the way ptp4u does
func (d *Daemon) serveMonitoring(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s := status{
			PathDelayNS: d.clock.PathDelayValue().Nanoseconds(),
			MeanFreqPPB: d.clock.MeanFreq(),
		}
		for _, p := range d.ports {
			s.Ports = append(s.Ports, portStatus{
				Interface:         p.Name(),
				State:             p.State().String(),
				AsCapable:         p.AsCapable(),
				PeerMeanPathDelay: p.PeerMeanPathDelay().Nanoseconds(),
				Counters:          p.Stats(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			log.Errorf("failed to encode monitoring data: %v", err)
		}
	})

	addr := fmt.Sprintf(":%d", d.cfg.MonitoringPort)
	log.Infof("monitoring on %s", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	return server.Serve(ln)
}
