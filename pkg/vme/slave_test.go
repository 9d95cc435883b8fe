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
	"math/rand"
	"sync"

	"go.uber.org/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Slave windows", func() {

	var (
		b *Bridge
	)

	BeforeEach(func() {
		_, b, _ = newRegisteredBridge("tsi148")
	})

	It("runs out once every slave window is claimed", func() {
		slaves := []*Slave{}
		for range b.SlaveResources() {
			s, err := b.SlaveRequest(A24, CycleSCT)
			Expect(err).NotTo(HaveOccurred())
			slaves = append(slaves, s)
		}

		_, err := b.SlaveRequest(A24, CycleSCT)
		Expect(err).To(MatchError(ErrResourceExhausted))

		slaves[3].Free()
		s, err := b.SlaveRequest(A24, CycleSCT)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Resource()).To(Equal(slaves[3].Resource()))
	})

	It("does not offer address spaces the windows lack", func() {
		_, err := b.SlaveRequest(CRCSR, CycleSCT)
		Expect(err).To(MatchError(ErrResourceExhausted))
	})

	It("lets exactly one of two concurrent requesters claim a single window", func() {
		solo, _ := newBareBridge("solo")
		solo.AddSlaveResource(NewSlaveResource(0, A32, CycleSCT|CycleBLT))
		register(solo)

		winners := atomic.NewInt32(0)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				if _, err := solo.SlaveRequest(A32, CycleBLT); err == nil {
					winners.Inc()
				} else {
					Expect(err).To(MatchError(ErrResourceExhausted))
				}
			}()
		}
		wg.Wait()

		Expect(winners.Load()).To(BeEquivalentTo(1))
	})

	It("returns what was set for random windows", func() {
		r := rand.New(rand.NewSource(GinkgoRandomSeed()))

		s, err := b.SlaveRequest(A16|A24|A32, CycleSCT)
		Expect(err).NotTo(HaveOccurred())

		for aspace, limit := range map[AddressSpace]uint64{A16: A16Max, A24: A24Max, A32: A32Max} {
			for i := 0; i < 50; i++ {
				size := r.Uint64()%limit + 1
				want := SlaveConfig{
					Enabled: true,
					VMEBase: r.Uint64() % (limit - size + 1),
					Size:    size,
					BufBase: r.Uint64(),
					Aspace:  aspace,
					Cycle:   CycleSCT | CycleBLT,
				}

				Expect(s.Set(want)).To(Succeed())
				Expect(s.Get()).To(Equal(want))
				Expect(GetSize(s)).To(Equal(size))
			}
		}

		Expect(s.Set(SlaveConfig{VMEBase: 0x1000, Size: 0xFFFFFF, Aspace: A24, Cycle: CycleSCT})).To(MatchError(ErrInvalidWindow))
	})

	It("exposes consistent memory to master windows of the same bus", func() {
		s, err := b.SlaveRequest(A24, CycleSCT)
		Expect(err).NotTo(HaveOccurred())

		buf, busAddr, err := AllocConsistent(s, 0x1000)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(FreeConsistent(s, buf, busAddr)).To(Succeed()) })

		Expect(s.Set(SlaveConfig{Enabled: true, VMEBase: 0x400000, Size: 0x1000, BufBase: busAddr, Aspace: A24, Cycle: CycleSCT})).To(Succeed())

		m, err := b.MasterRequest(A24, CycleSCT, D32)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Set(MasterConfig{Enabled: true, VMEBase: 0x400000, Size: 0x1000, Aspace: A24, Cycle: CycleSCT, Width: D32})).To(Succeed())

		Expect(m.Write([]byte{0xde, 0xad, 0xbe, 0xef}, 0x20)).To(Equal(4))
		Expect(buf[0x20:0x24]).To(Equal([]byte{0xde, 0xad, 0xbe, 0xef}))

		copy(buf[0x100:], "loopback")
		data := make([]byte, 8)
		Expect(m.Read(data, 0x100)).To(Equal(8))
		Expect(string(data)).To(Equal("loopback"))
	})

	It("detects a double free", func() {
		s, err := b.SlaveRequest(A32, CycleSCT)
		Expect(err).NotTo(HaveOccurred())

		s.Free()
		Expect(func() { s.Free() }).NotTo(Panic())
		Expect(s.Resource().Locked()).To(BeFalse())

		_, err = s.Get()
		Expect(err).To(MatchError(ErrInvalidArgument))
	})
})
