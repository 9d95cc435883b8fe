/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	VmeResourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vme_resource_requests_total",
			Help: "Number of resource requests by resource kind and result",
		},
		[]string{"kind", "result"},
	)

	VmeResourcesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vme_resources_in_use",
			Help: "Number of resources currently claimed, by bridge and resource kind",
		},
		[]string{"bridge", "kind"},
	)

	VmeDoubleFreesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vme_double_frees_total",
			Help: "Number of frees of a resource that was already free",
		},
		[]string{"kind"},
	)

	VmeInterruptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vme_interrupts_total",
			Help: "Number of VME interrupts dispatched to a handler, by bridge and level",
		},
		[]string{"bridge", "level"},
	)

	VmeSpuriousInterruptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vme_spurious_interrupts_total",
			Help: "Number of VME interrupts with no handler attached",
		},
	)

	VmeDMAListsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vme_dma_lists_executed_total",
			Help: "Number of DMA link lists submitted for execution, by result",
		},
		[]string{"result"},
	)

	VmeBusErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vme_bus_errors_total",
			Help: "Number of VME bus errors reported by bridges",
		},
	)

	VmeRegisteredBridges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vme_registered_bridges",
			Help: "Number of bridges registered with the VME core",
		},
	)

	VmeBoundDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vme_bound_devices",
			Help: "Number of devices bound to a VME driver",
		},
		[]string{"driver"},
	)
)

func init() {
	metrics.Registry.MustRegister(VmeResourceRequestsTotal)
	metrics.Registry.MustRegister(VmeResourcesInUse)
	metrics.Registry.MustRegister(VmeDoubleFreesTotal)
	metrics.Registry.MustRegister(VmeInterruptsTotal)
	metrics.Registry.MustRegister(VmeSpuriousInterruptsTotal)
	metrics.Registry.MustRegister(VmeDMAListsExecutedTotal)
	metrics.Registry.MustRegister(VmeBusErrorsTotal)
	metrics.Registry.MustRegister(VmeRegisteredBridges)
	metrics.Registry.MustRegister(VmeBoundDevices)
}
