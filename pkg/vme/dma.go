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
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

/* ------------------------------ DMA attributes ------------------------------ */

// DMAType tags the kind of a transfer endpoint.
type DMAType uint32

const (
	DMATypePattern DMAType = 1 << 0
	DMATypePCI     DMAType = 1 << 1
	DMATypeVME     DMAType = 1 << 2
)

// DMAAttribute is one endpoint of a DMA transfer: a PatternAttribute, a
// PCIAttribute or a VMEAttribute.
type DMAAttribute interface {
	DMAType() DMAType
}

// PatternAttribute is a source that generates data rather than reading it.
type PatternAttribute struct {
	Pattern uint32
	Type    PatternType
}

// PCIAttribute is local memory at a bus address.
type PCIAttribute struct {
	Address uint64
}

// VMEAttribute is VME memory reached with the given access attributes.
type VMEAttribute struct {
	Address uint64
	Aspace  AddressSpace
	Cycle   Cycle
	Width   Width
}

func (PatternAttribute) DMAType() DMAType { return DMATypePattern }
func (PCIAttribute) DMAType() DMAType     { return DMATypePCI }
func (VMEAttribute) DMAType() DMAType     { return DMATypeVME }

func NewPatternAttribute(pattern uint32, t PatternType) PatternAttribute {
	return PatternAttribute{Pattern: pattern, Type: t}
}

func NewPCIAttribute(address uint64) PCIAttribute {
	return PCIAttribute{Address: address}
}

func NewVMEAttribute(address uint64, aspace AddressSpace, cycle Cycle, width Width) VMEAttribute {
	return VMEAttribute{Address: address, Aspace: aspace, Cycle: cycle, Width: width}
}

// routeOf returns the controller route needed to move data from src to dest.
func routeOf(src, dest DMAAttribute) (DMARoute, error) {
	if src == nil || dest == nil {
		return 0, NewError(KindInvalidArgument).WithResourceType(ResourceDMA).WithCause("missing transfer attribute")
	}

	switch src.DMAType() {
	case DMATypePattern:
		switch dest.DMAType() {
		case DMATypeVME:
			return RoutePatternToVME, nil
		case DMATypePCI:
			return RoutePatternToMem, nil
		}
	case DMATypePCI:
		switch dest.DMAType() {
		case DMATypeVME:
			return RouteMemToVME, nil
		case DMATypePCI:
			return RouteMemToMem, nil
		}
	case DMATypeVME:
		switch dest.DMAType() {
		case DMATypeVME:
			return RouteVMEToVME, nil
		case DMATypePCI:
			return RouteVMEToMem, nil
		}
	}

	return 0, NewError(KindInvalidArgument).WithResourceType(ResourceDMA).
		WithCause(fmt.Sprintf("unsupported transfer %T to %T", src, dest))
}

/* ------------------------------ DMA controller ------------------------------ */

// DMA is a claimed DMA controller.
type DMA struct {
	handle
	res *DMAResource
}

var _ Resource = &DMA{}

func (d *DMA) Kind() ResourceKind { return ResourceDMA }

func (d *DMA) Resource() *DMAResource { return d.res }

// DMARequest claims the first free DMA controller supporting every requested
// route.
func (b *Bridge) DMARequest(route DMARoute) (*DMA, error) {
	for _, ctrlr := range b.dmas {
		if ctrlr == nil {
			b.Log().Info("Registered nil DMA resource")
			continue
		}

		ctrlr.mtx.Lock()
		if contains(ctrlr.RouteAttr, route) && !ctrlr.locked {
			ctrlr.locked = true
			ctrlr.mtx.Unlock()

			recordRequest(b, ResourceDMA, true)
			b.Log().V(1).Info("DMA controller claimed", "number", ctrlr.Number)
			return &DMA{handle: newHandle(b), res: ctrlr}, nil
		}
		ctrlr.mtx.Unlock()
	}

	recordRequest(b, ResourceDMA, false)
	return nil, NewError(KindResourceExhausted).WithResourceType(ResourceDMA).
		WithCause(fmt.Sprintf("no free DMA controller for route %s", route))
}

// NewList starts an empty link list on the controller.
func (d *DMA) NewList() (*DMAList, error) {
	if err := d.check(ResourceDMA); err != nil {
		return nil, err
	}

	return &DMAList{id: uuid.New(), ctrlr: d.res, owner: d}, nil
}

// Free returns the controller to the bridge. It fails with KindBusy while
// lists are still pending or running on the controller.
func (d *DMA) Free() error {
	if d.released.Load() {
		reportDoubleFree(d.bridge, ResourceDMA, "handle already released")
		return nil
	}

	ctrlr := d.res
	ctrlr.mtx.Lock()
	defer ctrlr.mtx.Unlock()

	if !ctrlr.idle() {
		d.bridge.Log().Info("DMA controller still processing transfers", "number", ctrlr.Number)
		return NewError(KindBusy).WithResourceType(ResourceDMA).WithCause("resource still processing transfers")
	}

	if !d.release(ResourceDMA) {
		return nil
	}

	if !ctrlr.locked {
		reportDoubleFree(d.bridge, ResourceDMA, "controller is already free")
		return nil
	}

	ctrlr.locked = false
	recordFree(d.bridge, ResourceDMA)
	return nil
}

/* ------------------------------ DMA link lists ------------------------------ */

// DMAListState is the life cycle state of a DMA list.
type DMAListState int32

const (
	DMAListEmpty DMAListState = iota
	DMAListBuilding
	DMAListSubmitted
	DMAListFreed
)

func (s DMAListState) String() string {
	switch s {
	case DMAListEmpty:
		return "Empty"
	case DMAListBuilding:
		return "Building"
	case DMAListSubmitted:
		return "Submitted"
	case DMAListFreed:
		return "Freed"
	}
	return "Unknown"
}

// DMAList is an ordered set of transfers executed as one DMA job.
//
// Add and Free never wait for the list: they fail with KindBusy when another
// caller holds it. Exec waits for the list.
type DMAList struct {
	// Private holds the descriptors built by the bridge driver
	Private any

	id      uuid.UUID
	ctrlr   *DMAResource
	owner   *DMA
	mtx     sync.Mutex
	state   atomic.Int32
	entries atomic.Int32
}

func (l *DMAList) ID() uuid.UUID { return l.id }

// Controller returns the DMA controller owning the list.
func (l *DMAList) Controller() *DMAResource { return l.ctrlr }

func (l *DMAList) State() DMAListState { return DMAListState(l.state.Load()) }

// Len returns the number of transfers added to the list.
func (l *DMAList) Len() int { return int(l.entries.Load()) }

// usable fails once the list is freed or the controller handle that created
// it has been released; the controller may belong to someone else by then.
func (l *DMAList) usable() error {
	if l.State() == DMAListFreed {
		return NewError(KindInvalidArgument).WithResourceType(ResourceDMA).WithCause("list has been freed")
	}
	return l.owner.check(ResourceDMA)
}

// Add appends a transfer of count bytes from src to dest.
func (l *DMAList) Add(src, dest DMAAttribute, count uint64) error {
	if err := l.usable(); err != nil {
		return err
	}

	route, err := routeOf(src, dest)
	if err != nil {
		return err
	}

	if !contains(l.ctrlr.RouteAttr, route) {
		return NewError(KindInvalidArgument).WithResourceType(ResourceDMA).
			WithCause(fmt.Sprintf("controller does not support route %s", route))
	}

	if !l.mtx.TryLock() {
		l.ctrlr.bridge.Log().Info("Link list already submitted", "list", l.id)
		return NewError(KindBusy).WithResourceType(ResourceDMA).WithCause("list in use")
	}
	defer l.mtx.Unlock()

	if err := l.usable(); err != nil {
		return err
	}

	if err := l.ctrlr.bridge.Ops.DMAListAdd(l, src, dest, count); err != nil {
		return backendError("dma_list_add", err)
	}

	l.entries.Inc()
	l.state.Store(int32(DMAListBuilding))
	return nil
}

// Exec submits the list to the controller, waiting for any caller already
// holding the list. Whether Exec returns before the transfers complete is up
// to the bridge driver.
func (l *DMAList) Exec() error {
	if err := l.usable(); err != nil {
		return err
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if err := l.usable(); err != nil {
		return err
	}

	if err := l.ctrlr.bridge.Ops.DMAListExec(l); err != nil {
		metrics.VmeDMAListsExecutedTotal.WithLabelValues("error").Inc()
		return backendError("dma_list_exec", err)
	}

	metrics.VmeDMAListsExecutedTotal.WithLabelValues("submitted").Inc()
	l.state.Store(int32(DMAListSubmitted))
	return nil
}

// Free empties the list and releases it. The list is left untouched if it
// is held by another caller, still queued on the controller, or the bridge
// fails to empty it.
func (l *DMAList) Free() error {
	if !l.mtx.TryLock() {
		l.ctrlr.bridge.Log().Info("Link list in use", "list", l.id)
		return NewError(KindBusy).WithResourceType(ResourceDMA).WithCause("list in use")
	}
	defer l.mtx.Unlock()

	if l.State() == DMAListFreed {
		reportDoubleFree(l.ctrlr.bridge, ResourceDMA, "list already freed")
		return nil
	}

	if err := l.owner.check(ResourceDMA); err != nil {
		return err
	}

	if l.ctrlr.InFlight(l) {
		return NewError(KindBusy).WithResourceType(ResourceDMA).WithCause("list still queued on controller")
	}

	// Entries are driver specific, so the bridge driver empties them
	if err := l.ctrlr.bridge.Ops.DMAListEmpty(l); err != nil {
		l.ctrlr.bridge.Log().Error(err, "Unable to empty link list entries", "list", l.id)
		return backendError("dma_list_empty", err)
	}

	l.entries.Store(0)
	l.state.Store(int32(DMAListFreed))
	return nil
}
