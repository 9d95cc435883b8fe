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
	"sort"
)

// LocationMonitor is a claimed location monitor block.
type LocationMonitor struct {
	handle
	res *LMResource
}

var _ Resource = &LocationMonitor{}

func (lm *LocationMonitor) Kind() ResourceKind { return ResourceLM }

func (lm *LocationMonitor) Resource() *LMResource { return lm.res }

// LMRequest claims the first free location monitor block.
func (b *Bridge) LMRequest() (*LocationMonitor, error) {
	for _, lm := range b.lms {
		if lm == nil {
			b.Log().Info("Registered nil location monitor resource")
			continue
		}

		lm.mtx.Lock()
		if !lm.locked {
			lm.locked = true
			lm.mtx.Unlock()

			recordRequest(b, ResourceLM, true)
			return &LocationMonitor{handle: newHandle(b), res: lm}, nil
		}
		lm.mtx.Unlock()
	}

	recordRequest(b, ResourceLM, false)
	return nil, NewError(KindResourceExhausted).WithResourceType(ResourceLM).WithCause("no free location monitor")
}

// Count returns the number of monitors in the block.
func (lm *LocationMonitor) Count() (int, error) {
	if err := lm.check(ResourceLM); err != nil {
		return 0, err
	}
	return lm.res.Monitors, nil
}

func (lm *LocationMonitor) Set(cfg LMConfig) error {
	if err := lm.check(ResourceLM); err != nil {
		return err
	}

	return backendError("lm_set", lm.bridge.Ops.LMSet(lm.res, cfg))
}

func (lm *LocationMonitor) Get() (LMConfig, error) {
	if err := lm.check(ResourceLM); err != nil {
		return LMConfig{}, err
	}

	cfg, err := lm.bridge.Ops.LMGet(lm.res)
	if err != nil {
		return LMConfig{}, backendError("lm_get", err)
	}
	return cfg, nil
}

func (lm *LocationMonitor) checkMonitor(monitor int) error {
	if monitor < 0 || monitor >= lm.res.Monitors {
		return NewError(KindInvalidArgument).WithResourceType(ResourceLM).
			WithCause(fmt.Sprintf("monitor %d out of range 0-%d", monitor, lm.res.Monitors-1))
	}
	return nil
}

// Attach arranges for callback to run when the monitor is hit.
func (lm *LocationMonitor) Attach(monitor int, callback func(monitor int)) error {
	if err := lm.check(ResourceLM); err != nil {
		return err
	}
	if err := lm.checkMonitor(monitor); err != nil {
		return err
	}
	if callback == nil {
		return NewError(KindInvalidArgument).WithResourceType(ResourceLM).WithCause("nil callback")
	}

	res := lm.res
	res.mtx.Lock()
	defer res.mtx.Unlock()

	if _, taken := res.callbacks[monitor]; taken {
		return NewError(KindAlreadyBound).WithResourceType(ResourceLM).WithCause(fmt.Sprintf("monitor %d already attached", monitor))
	}

	if err := lm.bridge.Ops.LMAttach(res, monitor, callback); err != nil {
		return backendError("lm_attach", err)
	}

	res.callbacks[monitor] = callback
	return nil
}

func (lm *LocationMonitor) Detach(monitor int) error {
	if err := lm.check(ResourceLM); err != nil {
		return err
	}
	if err := lm.checkMonitor(monitor); err != nil {
		return err
	}

	res := lm.res
	res.mtx.Lock()
	defer res.mtx.Unlock()

	return lm.detachLocked(monitor)
}

func (lm *LocationMonitor) detachLocked(monitor int) error {
	if err := lm.bridge.Ops.LMDetach(lm.res, monitor); err != nil {
		return backendError("lm_detach", err)
	}

	delete(lm.res.callbacks, monitor)
	return nil
}

// Free detaches any monitors still attached and returns the block to the bridge.
func (lm *LocationMonitor) Free() {
	if !lm.release(ResourceLM) {
		return
	}

	res := lm.res
	res.mtx.Lock()
	defer res.mtx.Unlock()

	monitors := make([]int, 0, len(res.callbacks))
	for monitor := range res.callbacks {
		monitors = append(monitors, monitor)
	}
	sort.Ints(monitors)

	for _, monitor := range monitors {
		if err := lm.detachLocked(monitor); err != nil {
			lm.bridge.Log().Error(err, "Unable to detach location monitor", "monitor", monitor)
			delete(res.callbacks, monitor)
		}
	}

	if !res.locked {
		reportDoubleFree(lm.bridge, ResourceLM, "location monitor is already free")
		return
	}

	res.locked = false
	recordFree(lm.bridge, ResourceLM)
}
