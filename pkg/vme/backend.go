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

// MasterConfig is the window configuration of a master resource.
type MasterConfig struct {
	Enabled bool
	VMEBase uint64
	Size    uint64
	Aspace  AddressSpace
	Cycle   Cycle
	Width   Width
}

// SlaveConfig is the window configuration of a slave resource. BufBase is the
// bus address of the local memory that backs the window.
type SlaveConfig struct {
	Enabled bool
	VMEBase uint64
	Size    uint64
	BufBase uint64
	Aspace  AddressSpace
	Cycle   Cycle
}

// LMConfig is the configuration of a location monitor.
type LMConfig struct {
	Base   uint64
	Aspace AddressSpace
	Cycle  Cycle
}

// BridgeOps is implemented by a bridge driver to program its hardware. Every
// method is optional: an operation the bridge cannot perform returns
// ErrNotImplemented, which callers of the core see as KindUnsupported.
// Embed UnimplementedBridgeOps to get that behavior for free.
type BridgeOps interface {
	// Slave windows
	SlaveSet(s *SlaveResource, cfg SlaveConfig) error
	SlaveGet(s *SlaveResource) (SlaveConfig, error)

	// Master windows
	MasterSet(m *MasterResource, cfg MasterConfig) error
	MasterGet(m *MasterResource) (MasterConfig, error)
	MasterRead(m *MasterResource, buf []byte, offset uint64) (int, error)
	MasterWrite(m *MasterResource, buf []byte, offset uint64) (int, error)
	MasterRMW(m *MasterResource, mask, compare, swap uint32, offset uint64) (uint32, error)

	// DMA link lists
	DMAListAdd(l *DMAList, src, dest DMAAttribute, count uint64) error
	DMAListExec(l *DMAList) error
	DMAListEmpty(l *DMAList) error

	// Interrupts
	IrqSet(b *Bridge, level int, enable, sync bool) error
	IrqGenerate(b *Bridge, level, vector int) error

	// Location monitors
	LMSet(lm *LMResource, cfg LMConfig) error
	LMGet(lm *LMResource) (LMConfig, error)
	LMAttach(lm *LMResource, monitor int, callback func(monitor int)) error
	LMDetach(lm *LMResource, monitor int) error

	// CR/CSR
	SlotGet(b *Bridge) (int, error)
}

// UnimplementedBridgeOps returns ErrNotImplemented from every operation.
type UnimplementedBridgeOps struct{}

var _ BridgeOps = UnimplementedBridgeOps{}

func (UnimplementedBridgeOps) SlaveSet(*SlaveResource, SlaveConfig) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) SlaveGet(*SlaveResource) (SlaveConfig, error) {
	return SlaveConfig{}, ErrNotImplemented
}

func (UnimplementedBridgeOps) MasterSet(*MasterResource, MasterConfig) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) MasterGet(*MasterResource) (MasterConfig, error) {
	return MasterConfig{}, ErrNotImplemented
}

func (UnimplementedBridgeOps) MasterRead(*MasterResource, []byte, uint64) (int, error) {
	return 0, ErrNotImplemented
}

func (UnimplementedBridgeOps) MasterWrite(*MasterResource, []byte, uint64) (int, error) {
	return 0, ErrNotImplemented
}

func (UnimplementedBridgeOps) MasterRMW(*MasterResource, uint32, uint32, uint32, uint64) (uint32, error) {
	return 0, ErrNotImplemented
}

func (UnimplementedBridgeOps) DMAListAdd(*DMAList, DMAAttribute, DMAAttribute, uint64) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) DMAListExec(*DMAList) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) DMAListEmpty(*DMAList) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) IrqSet(*Bridge, int, bool, bool) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) IrqGenerate(*Bridge, int, int) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) LMSet(*LMResource, LMConfig) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) LMGet(*LMResource) (LMConfig, error) {
	return LMConfig{}, ErrNotImplemented
}

func (UnimplementedBridgeOps) LMAttach(*LMResource, int, func(int)) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) LMDetach(*LMResource, int) error {
	return ErrNotImplemented
}

func (UnimplementedBridgeOps) SlotGet(*Bridge) (int, error) {
	return 0, ErrNotImplemented
}

// ParentDevice is the device a bridge hangs off (the PCI function for a PCI
// attached bridge). It owns the allocator for DMA-capable memory.
type ParentDevice interface {
	// AllocConsistent returns a buffer of size bytes and its bus address.
	AllocConsistent(size int) ([]byte, uint64, error)

	// FreeConsistent releases a buffer obtained from AllocConsistent.
	FreeConsistent(buf []byte, busAddr uint64)
}
