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
)

// Master is a claimed master window. It gives the CPU access to a range of
// VME address space.
type Master struct {
	handle
	res *MasterResource
}

var _ Resource = &Master{}

func (m *Master) Kind() ResourceKind { return ResourceMaster }

// Resource returns the bridge entry backing the handle.
func (m *Master) Resource() *MasterResource { return m.res }

// MasterRequest claims the first free master window supporting every
// requested address space, cycle and width bit.
func (b *Bridge) MasterRequest(aspace AddressSpace, cycle Cycle, width Width) (*Master, error) {
	for _, image := range b.masters {
		if image == nil {
			b.Log().Info("Registered nil master resource")
			continue
		}

		// Find an unlocked and compatible image
		image.lock.Lock()
		if contains(image.AddressAttr, aspace) &&
			contains(image.CycleAttr, cycle) &&
			contains(image.WidthAttr, width) &&
			!image.locked {

			image.locked = true
			image.lock.Unlock()

			recordRequest(b, ResourceMaster, true)
			b.Log().V(1).Info("Master window claimed", "number", image.Number)
			return &Master{handle: newHandle(b), res: image}, nil
		}
		image.lock.Unlock()
	}

	recordRequest(b, ResourceMaster, false)
	return nil, NewError(KindResourceExhausted).WithResourceType(ResourceMaster).
		WithCause(fmt.Sprintf("no free master window for %s/%s/%s", aspace, cycle, width))
}

// Set programs the master window.
func (m *Master) Set(cfg MasterConfig) error {
	if err := m.check(ResourceMaster); err != nil {
		return err
	}

	image := m.res
	if !(contains(image.AddressAttr, cfg.Aspace) &&
		contains(image.CycleAttr, cfg.Cycle) &&
		contains(image.WidthAttr, cfg.Width)) {
		return NewError(KindInvalidArgument).WithResourceType(ResourceMaster).
			WithCause(fmt.Sprintf("invalid attributes %s/%s/%s", cfg.Aspace, cfg.Cycle, cfg.Width))
	}

	if err := checkWindow(cfg.Aspace, cfg.VMEBase, cfg.Size); err != nil {
		return err
	}

	return backendError("master_set", m.bridge.Ops.MasterSet(image, cfg))
}

// Get returns the current configuration of the master window.
func (m *Master) Get() (MasterConfig, error) {
	if err := m.check(ResourceMaster); err != nil {
		return MasterConfig{}, err
	}

	cfg, err := m.bridge.Ops.MasterGet(m.res)
	if err != nil {
		return MasterConfig{}, backendError("master_get", err)
	}

	return cfg, nil
}

// clamp limits a transfer of count bytes at offset to the configured window.
func (m *Master) clamp(count int, offset uint64) (int, error) {
	cfg, err := m.Get()
	if err != nil {
		return 0, err
	}

	if offset > cfg.Size {
		return 0, NewError(KindInvalidOffset).WithResourceType(ResourceMaster).
			WithCause(fmt.Sprintf("offset %#x beyond window size %#x", offset, cfg.Size))
	}

	if remaining := cfg.Size - offset; uint64(count) > remaining {
		count = int(remaining)
	}

	return count, nil
}

// Read copies VME data at offset into buf. A transfer running past the end
// of the window is truncated; the number of bytes read is returned.
func (m *Master) Read(buf []byte, offset uint64) (int, error) {
	count, err := m.clamp(len(buf), offset)
	if err != nil {
		return 0, err
	}

	n, err := m.bridge.Ops.MasterRead(m.res, buf[:count], offset)
	return n, backendError("master_read", err)
}

// Write copies buf to VME space at offset, truncating at the end of the window.
func (m *Master) Write(buf []byte, offset uint64) (int, error) {
	count, err := m.clamp(len(buf), offset)
	if err != nil {
		return 0, err
	}

	n, err := m.bridge.Ops.MasterWrite(m.res, buf[:count], offset)
	return n, backendError("master_write", err)
}

// RMW runs a read-modify-write bus cycle at offset: the bits selected by
// mask are compared with compare and, on a match, replaced by swap. The value
// read before the swap is returned.
func (m *Master) RMW(mask, compare, swap uint32, offset uint64) (uint32, error) {
	if err := m.check(ResourceMaster); err != nil {
		return 0, err
	}

	val, err := m.bridge.Ops.MasterRMW(m.res, mask, compare, swap, offset)
	if err != nil {
		return 0, backendError("master_rmw", err)
	}

	return val, nil
}

// Free returns the window to the bridge. The handle must not be used again.
func (m *Master) Free() {
	if !m.release(ResourceMaster) {
		return
	}

	image := m.res
	image.lock.Lock()
	wasLocked := image.locked
	image.locked = false
	image.lock.Unlock()

	if !wasLocked {
		reportDoubleFree(m.bridge, ResourceMaster, "image is already free")
		return
	}

	recordFree(m.bridge, ResourceMaster)
}
