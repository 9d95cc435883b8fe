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
	"errors"

	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-vme/internal/metrics"
)

var _ = Describe("Interrupts", func() {

	var (
		b   *Bridge
		ops *MockBridgeOps
	)

	BeforeEach(func() {
		_, b, ops = newRegisteredBridge("tsi148")
	})

	nop := func(int, int, any) {}

	It("binds each level and vector once", func() {
		Expect(b.IrqRequest(1, 5, nop, nil)).To(Succeed())
		Expect(b.IrqRequest(1, 5, nop, nil)).To(MatchError(ErrAlreadyBound))
		Expect(b.IrqAttached(1)).To(Equal(1))

		b.IrqFree(1, 5)
		Expect(b.IrqAttached(1)).To(BeZero())

		Expect(b.IrqRequest(1, 5, nop, nil)).To(Succeed())
	})

	It("enables on every request and disables once the level is empty", func() {
		Expect(b.IrqRequest(2, 1, nop, nil)).To(Succeed())
		Expect(b.IrqRequest(2, 2, nop, nil)).To(Succeed())
		Expect(ops.IrqEnables(2)).To(Equal(2))
		Expect(b.IrqAttached(2)).To(Equal(2))

		b.IrqFree(2, 1)
		Expect(ops.IrqDisables(2)).To(BeZero())

		b.IrqFree(2, 2)
		Expect(ops.IrqDisables(2)).To(Equal(1))
		Expect(b.IrqAttached(2)).To(BeZero())

		b.IrqFree(2, 2)
		Expect(ops.IrqDisables(2)).To(Equal(1))
		Expect(b.IrqAttached(2)).To(BeZero())
	})

	It("rejects levels and vectors out of range", func() {
		for _, level := range []int{0, 8, -1} {
			err := b.IrqRequest(level, 0, nop, nil)
			Expect(err).To(MatchError(ErrInvalidLevel))
			Expect(err).To(MatchError(ErrInvalidArgument))
		}

		for _, vector := range []int{-1, 256} {
			err := b.IrqRequest(3, vector, nop, nil)
			Expect(err).To(MatchError(ErrInvalidArgument))
			Expect(err).NotTo(MatchError(ErrInvalidLevel))
		}

		Expect(b.IrqRequest(3, 0, nil, nil)).To(MatchError(ErrInvalidArgument))
		Expect(b.IrqGenerate(9, 0)).To(MatchError(ErrInvalidLevel))
		Expect(b.IrqAttached(9)).To(BeZero())
	})

	It("dispatches generated interrupts to the attached callback", func() {
		type call struct {
			level, vector int
			ctx           any
		}
		calls := []call{}

		Expect(b.IrqRequest(7, 0xff, func(level, vector int, ctx any) {
			calls = append(calls, call{level, vector, ctx})
		}, "cookie")).To(Succeed())

		Expect(b.IrqGenerate(7, 0xff)).To(Succeed())
		Expect(calls).To(Equal([]call{{7, 0xff, "cookie"}}))
	})

	It("counts interrupts nobody is waiting for as spurious", func() {
		before := testutil.ToFloat64(metrics.VmeSpuriousInterruptsTotal)

		b.IrqHandler(3, 9)
		b.IrqHandler(0, 9)

		Expect(testutil.ToFloat64(metrics.VmeSpuriousInterruptsTotal)).To(Equal(before + 2))
	})

	It("lets a callback free its own vector", func() {
		Expect(b.IrqRequest(4, 1, func(level, vector int, _ any) {
			b.IrqFree(level, vector)
		}, nil)).To(Succeed())

		Expect(b.IrqGenerate(4, 1)).To(Succeed())
		Expect(b.IrqAttached(4)).To(BeZero())
	})

	It("rolls back a request the bridge cannot enable", func() {
		ops.FailIrqSet = errors.New("level masked")
		Expect(b.IrqRequest(5, 10, nop, nil)).To(MatchError(ops.FailIrqSet))
		Expect(b.IrqAttached(5)).To(BeZero())

		ops.FailIrqSet = nil
		Expect(b.IrqRequest(5, 10, nop, nil)).To(Succeed())
	})

	It("reports interrupts the bridge cannot handle as unsupported", func() {
		bare := NewBridge("bare", nil, nil)
		register(bare)

		Expect(bare.IrqRequest(1, 1, nop, nil)).To(MatchError(ErrUnsupported))
		Expect(bare.IrqAttached(1)).To(BeZero())
		Expect(bare.IrqGenerate(1, 1)).To(MatchError(ErrUnsupported))
	})
})
