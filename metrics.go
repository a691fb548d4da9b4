// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rsvisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsvisor_slots_in_use",
		Help: "Number of service slots currently allocated",
	})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsvisor_update_chain_length",
		Help: "Number of update transactions in the chain",
	})

	crashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsvisor_crashes_total",
		Help: "Unexpected service deaths",
	}, []string{"label"})

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsvisor_restarts_total",
		Help: "Service restarts after a crash or refresh",
	}, []string{"label"})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsvisor_updates_total",
		Help: "Live update transactions ended, by result",
	}, []string{"label", "result"})

	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsvisor_faults_total",
		Help: "Faults injected",
	}, []string{"label"})
)

func (s *Supervisor) updateGauges() {
	slotsInUse.Set(float64(s.reg.Len() - s.reg.NumFree()))
	chainLength.Set(float64(len(s.chain)))
}
