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
	"fmt"
)

// Registry owns the fixed pool of slots and every index over them.
// Only the register/unregister methods below change which indices a
// slot participates in, and each of them leaves the indices consistent
// before returning.
type Registry struct {
	slots      []Slot
	free       []int
	byLabel    map[string]int
	byEndpoint map[Endpoint]int
	byPid      map[int]int
	byDev      map[DevNr]int
}

// NewRegistry returns a registry with n slots.
func NewRegistry(n int) *Registry {
	r := &Registry{
		slots:      make([]Slot, n),
		free:       make([]int, 0, n),
		byLabel:    make(map[string]int),
		byEndpoint: make(map[Endpoint]int),
		byPid:      make(map[int]int),
		byDev:      make(map[DevNr]int),
	}
	// Lowest index is handed out first.
	for i := n - 1; i >= 0; i-- {
		r.slots[i].id = SlotID{Index: i}
		r.slots[i].prev = NoSlot
		r.slots[i].parent = NoSlot
		r.free = append(r.free, i)
	}
	return r
}

// Len returns the size of the pool.
func (r *Registry) Len() int {
	return len(r.slots)
}

// NumFree returns how many slots are available.
func (r *Registry) NumFree() int {
	return len(r.free)
}

// Alloc takes a slot from the pool.  The slot is Empty, and is in no
// index until it is registered.
func (r *Registry) Alloc() (*Slot, error) {
	if len(r.free) == 0 {
		return nil, newError(ResourceExhausted, "", ErrNoSlots)
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	s := &r.slots[idx]
	id := s.id
	*s = Slot{
		id:     id,
		state:  StateEmpty,
		prev:   NoSlot,
		parent: NoSlot,
		hist:   &History{},
	}
	return s, nil
}

// Free returns a slot to the pool.  Freeing a slot that an update
// transaction still depends on, or one that is already free, is a
// programming error.
func (r *Registry) Free(s *Slot) {
	if s.txn != nil && !s.txn.State.Terminal() {
		panic(fmt.Sprintf("rsvisor: freeing slot %d (%s) held by %s update",
			s.id.Index, s.label, s.txn.State))
	}
	if r.inFree(s.id.Index) {
		panic(fmt.Sprintf("rsvisor: double free of slot %d", s.id.Index))
	}
	r.unregisterAll(s)
	id := s.id
	id.Gen++
	*s = Slot{id: id, state: StateEmpty, prev: NoSlot, parent: NoSlot}
	r.free = append(r.free, id.Index)
}

func (r *Registry) inFree(idx int) bool {
	for _, i := range r.free {
		if i == idx {
			return true
		}
	}
	return false
}

// Get resolves a SlotID, returning nil if the slot has since been freed.
func (r *Registry) Get(id SlotID) *Slot {
	if id.Index < 0 || id.Index >= len(r.slots) {
		return nil
	}
	s := &r.slots[id.Index]
	if s.id.Gen != id.Gen || s.state == StateEmpty {
		return nil
	}
	return s
}

func (r *Registry) at(idx int, ok bool) *Slot {
	if !ok {
		return nil
	}
	return &r.slots[idx]
}

// LookupByLabel returns the live slot holding the label.
func (r *Registry) LookupByLabel(label string) *Slot {
	idx, ok := r.byLabel[label]
	return r.at(idx, ok)
}

// LookupByEndpoint returns the slot whose process has the endpoint.
func (r *Registry) LookupByEndpoint(ep Endpoint) *Slot {
	idx, ok := r.byEndpoint[ep]
	return r.at(idx, ok)
}

// LookupByPid returns the slot whose process has the pid.
func (r *Registry) LookupByPid(pid int) *Slot {
	idx, ok := r.byPid[pid]
	return r.at(idx, ok)
}

// LookupByDevNr returns the slot owning the device.
func (r *Registry) LookupByDevNr(d DevNr) *Slot {
	idx, ok := r.byDev[d]
	return r.at(idx, ok)
}

// LookupByDomain returns the live slots in a domain, in index order.
func (r *Registry) LookupByDomain(domain string) []*Slot {
	return r.filter(func(s *Slot) bool { return s.domain == domain })
}

// LookupByFlags returns the live slots that have every flag in mask.
func (r *Registry) LookupByFlags(mask SlotFlags) []*Slot {
	return r.filter(func(s *Slot) bool { return s.Has(mask) })
}

// Live returns every live slot, in index order.
func (r *Registry) Live() []*Slot {
	return r.filter(func(*Slot) bool { return true })
}

func (r *Registry) filter(fn func(*Slot) bool) []*Slot {
	var rv []*Slot
	for i := range r.slots {
		s := &r.slots[i]
		if s.Live() && fn(s) {
			rv = append(rv, s)
		}
	}
	return rv
}

func (r *Registry) registerLabel(s *Slot) error {
	if idx, ok := r.byLabel[s.label]; ok && idx != s.id.Index {
		return newError(ConfigInvalid, s.label, ErrDuplicateLabel)
	}
	r.byLabel[s.label] = s.id.Index
	return nil
}

func (r *Registry) unregisterLabel(s *Slot) {
	if idx, ok := r.byLabel[s.label]; ok && idx == s.id.Index {
		delete(r.byLabel, s.label)
	}
}

// checkDevices reports a conflict with any slot other than s (or other
// than the slot being replaced, if except is given).
func (r *Registry) checkDevices(s *Slot, devs []DevNr, except *Slot) error {
	for _, d := range devs {
		idx, ok := r.byDev[d]
		if !ok || idx == s.id.Index {
			continue
		}
		if except != nil && idx == except.id.Index {
			continue
		}
		return &Error{Kind: ConfigInvalid, Label: s.label,
			Reason: fmt.Sprintf("device %d owned by %s", d, r.slots[idx].label),
			Err:    ErrDeviceConflict}
	}
	return nil
}

func (r *Registry) registerDevices(s *Slot) error {
	if err := r.checkDevices(s, s.cfg.Devices, nil); err != nil {
		return err
	}
	for _, d := range s.cfg.Devices {
		r.byDev[d] = s.id.Index
	}
	return nil
}

func (r *Registry) unregisterDevices(s *Slot) {
	for d, idx := range r.byDev {
		if idx == s.id.Index {
			delete(r.byDev, d)
		}
	}
}

func (r *Registry) registerProc(s *Slot, p Proc) {
	s.pid = p.Pid
	s.endpoint = p.Endpoint
	r.byPid[p.Pid] = s.id.Index
	r.byEndpoint[p.Endpoint] = s.id.Index
}

// unregisterProc forgets the process of a slot.  The endpoint and pid
// are cleared together with the index entries.
func (r *Registry) unregisterProc(s *Slot) {
	if s.pid != 0 {
		if idx, ok := r.byPid[s.pid]; ok && idx == s.id.Index {
			delete(r.byPid, s.pid)
		}
	}
	if s.endpoint != NoEndpoint {
		if idx, ok := r.byEndpoint[s.endpoint]; ok && idx == s.id.Index {
			delete(r.byEndpoint, s.endpoint)
		}
	}
	s.pid = 0
	s.endpoint = NoEndpoint
}

func (r *Registry) unregisterAll(s *Slot) {
	r.unregisterLabel(s)
	r.unregisterDevices(s)
	r.unregisterProc(s)
}

// activate makes next the holder of old's label and devices, in one step.
func (r *Registry) activate(next, old *Slot) {
	r.byLabel[next.label] = next.id.Index
	for d, idx := range r.byDev {
		if idx == old.id.Index {
			r.byDev[d] = next.id.Index
		}
	}
	for _, d := range next.cfg.Devices {
		r.byDev[d] = next.id.Index
	}
}

// swapEndpoints exchanges the endpoints of two slots, mirroring a
// kernel Swap.
func (r *Registry) swapEndpoints(a, b *Slot) {
	a.endpoint, b.endpoint = b.endpoint, a.endpoint
	if a.endpoint != NoEndpoint {
		r.byEndpoint[a.endpoint] = a.id.Index
	}
	if b.endpoint != NoEndpoint {
		r.byEndpoint[b.endpoint] = b.id.Index
	}
}
