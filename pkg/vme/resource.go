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

package vme

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

// ResourceKind tags the four kinds of bridge resources.
type ResourceKind int

const (
	ResourceMaster ResourceKind = iota
	ResourceSlave
	ResourceDMA
	ResourceLM
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceMaster:
		return "master"
	case ResourceSlave:
		return "slave"
	case ResourceDMA:
		return "dma"
	case ResourceLM:
		return "lm"
	}
	return "unknown"
}

// Resource is a claimed bridge resource. The concrete handle types are
// *Master, *Slave, *DMA and *LocationMonitor.
type Resource interface {
	Kind() ResourceKind
	ID() uuid.UUID
	Bridge() *Bridge
}

// GetSize returns the window size of a master or slave resource. DMA
// controllers and location monitors have no window and report zero.
func GetSize(res Resource) (uint64, error) {
	switch r := res.(type) {
	case *Master:
		cfg, err := r.Get()
		return cfg.Size, err
	case *Slave:
		cfg, err := r.Get()
		return cfg.Size, err
	case *DMA, *LocationMonitor:
		return 0, nil
	}

	return 0, NewError(KindInvalidArgument).WithCause("unknown resource type")
}

// handle is the part shared by every resource handle. A handle is valid
// from the request that created it until its Free.
type handle struct {
	id       uuid.UUID
	bridge   *Bridge
	released atomic.Bool
}

func newHandle(b *Bridge) handle {
	return handle{id: uuid.New(), bridge: b}
}

func (h *handle) ID() uuid.UUID   { return h.id }
func (h *handle) Bridge() *Bridge { return h.bridge }

func (h *handle) check(kind ResourceKind) error {
	if h.released.Load() {
		return NewError(KindInvalidArgument).WithResourceType(kind).WithCause("resource has been released")
	}
	return nil
}

// release marks the handle as freed. A second release is reported and
// returns false.
func (h *handle) release(kind ResourceKind) bool {
	if !h.released.CompareAndSwap(false, true) {
		reportDoubleFree(h.bridge, kind, "handle already released")
		return false
	}
	return true
}

func reportDoubleFree(b *Bridge, kind ResourceKind, msg string) {
	metrics.VmeDoubleFreesTotal.WithLabelValues(kind.String()).Inc()
	b.Log().Error(nil, "Double free of resource", "kind", kind.String(), "detail", msg)
}

func recordRequest(b *Bridge, kind ResourceKind, claimed bool) {
	result := "claimed"
	if !claimed {
		result = "exhausted"
	}
	metrics.VmeResourceRequestsTotal.WithLabelValues(kind.String(), result).Inc()

	if claimed {
		metrics.VmeResourcesInUse.WithLabelValues(b.Name, kind.String()).Inc()
	}
}

func recordFree(b *Bridge, kind ResourceKind) {
	metrics.VmeResourcesInUse.WithLabelValues(b.Name, kind.String()).Dec()
}

// spinLock never parks the caller on a wait queue; it is used for master
// resources which are reachable from interrupt handlers.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.held.Store(false)
}

/* ------------------------------ Resource descriptors ------------------------ */

// MasterResource is a master window of a bridge, as published by the
// bridge driver.
type MasterResource struct {
	Number      int
	AddressAttr AddressSpace
	CycleAttr   Cycle
	WidthAttr   Width

	// Private is owned by the bridge driver
	Private any

	bridge *Bridge
	lock   spinLock
	locked bool
}

func NewMasterResource(number int, aspace AddressSpace, cycle Cycle, width Width) *MasterResource {
	return &MasterResource{Number: number, AddressAttr: aspace, CycleAttr: cycle, WidthAttr: width}
}

func (m *MasterResource) Bridge() *Bridge { return m.bridge }

// Locked reports whether the master window is claimed.
func (m *MasterResource) Locked() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.locked
}

// SlaveResource is a slave window of a bridge.
type SlaveResource struct {
	Number      int
	AddressAttr AddressSpace
	CycleAttr   Cycle

	Private any

	bridge *Bridge
	mtx    sync.Mutex
	locked bool
}

func NewSlaveResource(number int, aspace AddressSpace, cycle Cycle) *SlaveResource {
	return &SlaveResource{Number: number, AddressAttr: aspace, CycleAttr: cycle}
}

func (s *SlaveResource) Bridge() *Bridge { return s.bridge }

func (s *SlaveResource) Locked() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.locked
}

// DMAResource is a DMA controller of a bridge. The bridge driver tracks
// submitted lists with MarkPending, MarkRunning and MarkComplete.
type DMAResource struct {
	Number    int
	RouteAttr DMARoute

	Private any

	bridge  *Bridge
	mtx     sync.Mutex
	locked  bool
	pending map[*DMAList]struct{}
	running map[*DMAList]struct{}
}

func NewDMAResource(number int, route DMARoute) *DMAResource {
	return &DMAResource{
		Number:    number,
		RouteAttr: route,
		pending:   map[*DMAList]struct{}{},
		running:   map[*DMAList]struct{}{},
	}
}

func (d *DMAResource) Bridge() *Bridge { return d.bridge }

func (d *DMAResource) Locked() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.locked
}

// MarkPending records that l has been queued to the controller.
func (d *DMAResource) MarkPending(l *DMAList) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.pending[l] = struct{}{}
}

// MarkRunning records that l is being processed by the controller.
func (d *DMAResource) MarkRunning(l *DMAList) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.pending, l)
	d.running[l] = struct{}{}
}

// MarkComplete removes l from the pending and running sets.
func (d *DMAResource) MarkComplete(l *DMAList) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.pending, l)
	delete(d.running, l)
}

// InFlight reports whether l is pending or running on the controller.
func (d *DMAResource) InFlight(l *DMAList) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	_, pending := d.pending[l]
	_, running := d.running[l]
	return pending || running
}

func (d *DMAResource) idle() bool {
	return len(d.pending) == 0 && len(d.running) == 0
}

// LMResource is a location monitor block of a bridge with Monitors
// individual monitors.
type LMResource struct {
	Number   int
	Monitors int

	Private any

	bridge    *Bridge
	mtx       sync.Mutex
	locked    bool
	callbacks map[int]func(int)
}

func NewLMResource(number, monitors int) *LMResource {
	return &LMResource{Number: number, Monitors: monitors, callbacks: map[int]func(int){}}
}

func (lm *LMResource) Bridge() *Bridge { return lm.bridge }

func (lm *LMResource) Locked() bool {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return lm.locked
}

// Callback returns the callback attached to a monitor, for bridge drivers
// raising a location monitor event.
func (lm *LMResource) Callback(monitor int) func(int) {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return lm.callbacks[monitor]
}
