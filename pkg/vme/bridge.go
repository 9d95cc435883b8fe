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
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

const (
	// MaxBridges is the number of bus numbers the core can hand out.
	MaxBridges = 32

	// AnyBusNumber asks Register to pick the lowest free bus number.
	AnyBusNumber = -1

	// SlotsMax is the number of slots on a VME backplane.
	SlotsMax = 32

	// CRCSRBufSize is the size of the CR/CSR image a bridge exposes.
	CRCSRBufSize = 508 * 1024
)

// Bridge is one VME bus controller. A bridge driver creates it with
// NewBridge, adds its resources, then hands it to Registry.Register. The
// resource lists must not change after registration.
type Bridge struct {
	// Name identifies the bridge chip, e.g. "tsi148"
	Name string

	// BusNumber is the requested bus number before registration (or
	// AnyBusNumber) and the assigned one afterwards.
	BusNumber int

	Parent ParentDevice
	Ops    BridgeOps

	// Private is owned by the bridge driver
	Private any

	masters []*MasterResource
	slaves  []*SlaveResource
	dmas    []*DMAResource
	lms     []*LMResource

	irqMtx sync.RWMutex
	irq    [irqLevels]irqLevel

	errMtx    sync.Mutex
	busErrors []BusError

	refMtx  sync.Mutex
	refs    int
	dying   bool
	drained chan struct{}

	// log is replaced on every registration while handles may still log
	log atomic.Pointer[logr.Logger]
}

// NewBridge returns a bridge that asks for any free bus number.
func NewBridge(name string, ops BridgeOps, parent ParentDevice) *Bridge {
	if ops == nil {
		ops = UnimplementedBridgeOps{}
	}

	b := &Bridge{
		Name:      name,
		BusNumber: AnyBusNumber,
		Parent:    parent,
		Ops:       ops,
	}
	b.setLog(logr.Discard())

	return b
}

func (b *Bridge) String() string {
	return fmt.Sprintf("%s (bus %d)", b.Name, b.BusNumber)
}

// Log returns the logger of the bridge; bridge drivers should use it too.
func (b *Bridge) Log() logr.Logger {
	return *b.log.Load()
}

func (b *Bridge) setLog(log logr.Logger) {
	b.log.Store(&log)
}

func (b *Bridge) AddMasterResource(m *MasterResource) {
	m.bridge = b
	b.masters = append(b.masters, m)
}

func (b *Bridge) AddSlaveResource(s *SlaveResource) {
	s.bridge = b
	b.slaves = append(b.slaves, s)
}

func (b *Bridge) AddDMAResource(d *DMAResource) {
	d.bridge = b
	if d.pending == nil {
		d.pending = map[*DMAList]struct{}{}
		d.running = map[*DMAList]struct{}{}
	}
	b.dmas = append(b.dmas, d)
}

func (b *Bridge) AddLMResource(lm *LMResource) {
	lm.bridge = b
	if lm.callbacks == nil {
		lm.callbacks = map[int]func(int){}
	}
	b.lms = append(b.lms, lm)
}

func (b *Bridge) MasterResources() []*MasterResource { return b.masters }
func (b *Bridge) SlaveResources() []*SlaveResource   { return b.slaves }
func (b *Bridge) DMAResources() []*DMAResource       { return b.dmas }
func (b *Bridge) LMResources() []*LMResource         { return b.lms }

// SlotGet returns the backplane slot the bridge sits in.
func (b *Bridge) SlotGet() (int, error) {
	slot, err := b.Ops.SlotGet(b)
	if err != nil {
		return 0, backendError("slot_get", err)
	}
	return slot, nil
}

// AllocConsistent allocates DMA-capable memory from the parent device of the
// bridge that owns res.
func AllocConsistent(res Resource, size int) ([]byte, uint64, error) {
	parent, err := parentOf(res)
	if err != nil {
		return nil, 0, err
	}

	return parent.AllocConsistent(size)
}

// FreeConsistent releases memory obtained from AllocConsistent.
func FreeConsistent(res Resource, buf []byte, busAddr uint64) error {
	parent, err := parentOf(res)
	if err != nil {
		return err
	}

	parent.FreeConsistent(buf, busAddr)
	return nil
}

func parentOf(res Resource) (ParentDevice, error) {
	if res == nil {
		return nil, NewError(KindInvalidArgument).WithCause("no resource")
	}

	bridge := res.Bridge()
	if bridge == nil {
		return nil, NewError(KindInvalidArgument).WithCause("can't find bridge")
	}

	if bridge.Parent == nil {
		return nil, NewError(KindInvalidArgument).WithCause(fmt.Sprintf("bridge %s has no parent device", bridge.Name))
	}

	return bridge.Parent, nil
}

/* ------------------------------ Bus errors ---------------------------------- */

// BusError is a VME bus error captured by the bridge driver.
type BusError struct {
	Address    uint64
	Attributes uint32
}

// HandleBusError records a bus error seen by the bridge hardware.
func (b *Bridge) HandleBusError(address uint64, attributes uint32) {
	b.errMtx.Lock()
	b.busErrors = append(b.busErrors, BusError{Address: address, Attributes: attributes})
	b.errMtx.Unlock()

	metrics.VmeBusErrorsTotal.Inc()
	b.Log().Info("VME bus error", "address", fmt.Sprintf("%#x", address), "attributes", fmt.Sprintf("%#x", attributes))
}

// FindBusError returns the first recorded error inside [address, address+count).
func (b *Bridge) FindBusError(address, count uint64) (BusError, bool) {
	b.errMtx.Lock()
	defer b.errMtx.Unlock()

	for _, e := range b.busErrors {
		if e.Address >= address && e.Address-address < count {
			return e, true
		}
	}

	return BusError{}, false
}

// ClearBusErrors drops every recorded error inside [address, address+count)
// and returns how many were dropped.
func (b *Bridge) ClearBusErrors(address, count uint64) int {
	b.errMtx.Lock()
	defer b.errMtx.Unlock()

	kept := b.busErrors[:0]
	for _, e := range b.busErrors {
		if e.Address >= address && e.Address-address < count {
			continue
		}
		kept = append(kept, e)
	}

	cleared := len(b.busErrors) - len(kept)
	b.busErrors = kept
	return cleared
}

/* ------------------------------ Reference counting -------------------------- */

func (b *Bridge) tryGet() bool {
	b.refMtx.Lock()
	defer b.refMtx.Unlock()

	if b.dying {
		return false
	}

	b.refs++
	return true
}

func (b *Bridge) put() {
	b.refMtx.Lock()
	defer b.refMtx.Unlock()

	if b.refs == 0 {
		b.Log().Error(nil, "Bridge reference released more times than taken")
		return
	}

	b.refs--
	if b.refs == 0 && b.drained != nil {
		close(b.drained)
		b.drained = nil
	}
}

func (b *Bridge) setDying(dying bool) {
	b.refMtx.Lock()
	b.dying = dying
	b.refMtx.Unlock()
}

// Refs returns the number of outstanding references taken with Registry.Get.
func (b *Bridge) Refs() int {
	b.refMtx.Lock()
	defer b.refMtx.Unlock()

	return b.refs
}

// Drain waits until every reference taken with Registry.Get has been put
// back. A bridge driver calls it after Unregister and before tearing the
// hardware down.
func (b *Bridge) Drain(ctx context.Context) error {
	b.refMtx.Lock()
	if b.refs == 0 {
		b.refMtx.Unlock()
		return nil
	}
	if b.drained == nil {
		b.drained = make(chan struct{})
	}
	drained := b.drained
	b.refMtx.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return NewError(KindBusy).WithCause(fmt.Sprintf("bridge %s still has %d references", b.Name, b.Refs())).WithError(ctx.Err())
	}
}
