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
	"sort"
	"strings"
)

// CallMask is a set of kernel calls.
type CallMask uint64

// kernelCalls names the bits of a CallMask, in bit order.
var kernelCalls = []string{
	"FORK",
	"EXEC",
	"CLEAR",
	"EXIT",
	"PRIVCTL",
	"TRACE",
	"KILL",
	"GETKSIG",
	"ENDKSIG",
	"SIGSEND",
	"SIGRETURN",
	"MEMSET",
	"UMAP",
	"VIRCOPY",
	"PHYSCOPY",
	"SAFECOPYFROM",
	"SAFECOPYTO",
	"VSAFECOPY",
	"IRQCTL",
	"DEVIO",
	"VDEVIO",
	"SETALARM",
	"TIMES",
	"GETINFO",
	"ABORT",
	"SETGRANT",
	"SPROF",
	"STIME",
	"SETTIME",
	"VMCTL",
	"SCHEDULE",
	"SCHEDCTL",
	"UPDATE",
	"STATECTL",
}

// AllCalls is every kernel call.
var AllCalls = CallMask(1)<<uint(len(kernelCalls)) - 1

func callBit(name string) (CallMask, bool) {
	if name == "ALL" {
		return AllCalls, true
	}
	for i, n := range kernelCalls {
		if n == name {
			return CallMask(1) << uint(i), true
		}
	}
	return 0, false
}

// Has reports whether every call in o is in m.
func (m CallMask) Has(o CallMask) bool {
	return m&o == o
}

// Names lists the calls in the mask.
func (m CallMask) Names() []string {
	var names []string
	for i, n := range kernelCalls {
		if m&(CallMask(1)<<uint(i)) != 0 {
			names = append(names, n)
		}
	}
	return names
}

func (m CallMask) String() string {
	if m == AllCalls {
		return "ALL"
	}
	return strings.Join(m.Names(), ",")
}

// PrivFlags qualify a privilege structure.
type PrivFlags uint8

const (
	PrivSysProc     PrivFlags = 1 << iota // system process with its own privileges
	PrivPreemptible                       // may be preempted by the scheduler
)

// EndpointSet is a set of endpoints.
type EndpointSet map[Endpoint]struct{}

func (s EndpointSet) Add(ep Endpoint) {
	s[ep] = struct{}{}
}

func (s EndpointSet) Has(ep Endpoint) bool {
	_, ok := s[ep]
	return ok
}

func (s EndpointSet) Del(ep Endpoint) {
	delete(s, ep)
}

func (s EndpointSet) Clone() EndpointSet {
	n := make(EndpointSet, len(s))
	for ep := range s {
		n[ep] = struct{}{}
	}
	return n
}

// Union adds every member of o.
func (s EndpointSet) Union(o EndpointSet) {
	for ep := range o {
		s[ep] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (s EndpointSet) Sorted() []Endpoint {
	rv := make([]Endpoint, 0, len(s))
	for ep := range s {
		rv = append(rv, ep)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i] < rv[j] })
	return rv
}

// Privs is the privilege structure installed for a service process.
// Targets holds the labels the service asked to send to, so that the
// send set can be recomputed as peers come and go.
type Privs struct {
	Flags   PrivFlags
	Calls   CallMask
	SendTo  EndpointSet
	Targets []string
	Devices []DevNr
	AllIPC  bool
}

// Clone returns a deep copy.
func (p Privs) Clone() Privs {
	n := p
	if p.SendTo != nil {
		n.SendTo = p.SendTo.Clone()
	}
	n.Targets = append([]string(nil), p.Targets...)
	n.Devices = append([]DevNr(nil), p.Devices...)
	return n
}

// Covers reports whether p grants at least everything o grants.
func (p Privs) Covers(o Privs) bool {
	if !p.Calls.Has(o.Calls) {
		return false
	}
	if o.AllIPC && !p.AllIPC {
		return false
	}
	for ep := range o.SendTo {
		if !p.SendTo.Has(ep) {
			return false
		}
	}
	return true
}

// FillCallMask computes the call mask for a set of call names.  Calls
// the supervisor itself may not grant are refused.
func (s *Supervisor) FillCallMask(label string, calls []string) (CallMask, error) {
	var grantable CallMask
	for _, name := range s.cfg.GrantableCalls {
		if b, ok := callBit(name); ok {
			grantable |= b
		}
	}
	var m CallMask
	for _, name := range calls {
		b, ok := callBit(strings.ToUpper(name))
		if !ok {
			return 0, &Error{Kind: ConfigInvalid, Label: label,
				Reason: fmt.Sprintf("unknown kernel call %q", name),
				Err:    ErrBadConfig}
		}
		if !grantable.Has(b) {
			return 0, &Error{Kind: PrivilegeDenied, Label: label,
				Reason: fmt.Sprintf("call %s not grantable", name)}
		}
		m |= b
	}
	return m, nil
}

// FillSendMask computes the send set for a list of target labels.  The
// supervisor is always a target.  Labels that are not running yet are
// remembered in Targets and filled in when they start.
func (s *Supervisor) FillSendMask(targets []string) (EndpointSet, bool) {
	set := EndpointSet{SupervisorEndpoint: {}}
	all := false
	for _, t := range targets {
		if t == "ALL" {
			all = true
			continue
		}
		if peer := s.reg.LookupByLabel(t); peer != nil && peer.endpoint != NoEndpoint {
			set.Add(peer.endpoint)
		}
	}
	if all {
		for _, peer := range s.reg.Live() {
			if peer.endpoint != NoEndpoint {
				set.Add(peer.endpoint)
			}
		}
	}
	return set, all
}

// InitPrivs computes the privileges a slot will be granted from its
// configuration.
func (s *Supervisor) InitPrivs(slot *Slot) error {
	calls, err := s.FillCallMask(slot.label, slot.cfg.Calls)
	if err != nil {
		return err
	}
	send, all := s.FillSendMask(slot.cfg.IPC)
	slot.privs = Privs{
		Flags:   PrivSysProc | PrivPreemptible,
		Calls:   calls,
		SendTo:  send,
		Targets: append([]string(nil), slot.cfg.IPC...),
		Devices: append([]DevNr(nil), slot.cfg.Devices...),
		AllIPC:  all,
	}
	return nil
}

// AddForwardIPC extends dst so that it may do everything src may.
func (s *Supervisor) AddForwardIPC(dst, src *Slot) {
	dst.privs.Calls |= src.privs.Calls
	if dst.privs.SendTo == nil {
		dst.privs.SendTo = EndpointSet{}
	}
	dst.privs.SendTo.Union(src.privs.SendTo)
	dst.privs.AllIPC = dst.privs.AllIPC || src.privs.AllIPC
	for _, t := range src.privs.Targets {
		if !hasString(dst.privs.Targets, t) {
			dst.privs.Targets = append(dst.privs.Targets, t)
		}
	}
}

// AddBackwardIPC lets every peer that may send to src also send to dst.
// Both must have endpoints.  Peers are updated in the kernel at once.
func (s *Supervisor) AddBackwardIPC(dst, src *Slot) error {
	if dst.endpoint == NoEndpoint || src.endpoint == NoEndpoint {
		return nil
	}
	for _, peer := range s.reg.Live() {
		if peer == dst || peer == src || peer.endpoint == NoEndpoint {
			continue
		}
		if !peer.privs.SendTo.Has(src.endpoint) || peer.privs.SendTo.Has(dst.endpoint) {
			continue
		}
		peer.privs.SendTo.Add(dst.endpoint)
		if err := s.updatePrivs(peer); err != nil {
			return err
		}
	}
	return nil
}

// grantPeers gives every running peer that names slot as a target (or
// sends to everyone) the right to send to slot's new endpoint.  Clones
// are skipped; they take over an identity when activated.
func (s *Supervisor) grantPeers(slot *Slot) {
	if slot.endpoint == NoEndpoint || slot.Has(FlagClone) {
		return
	}
	for _, peer := range s.reg.Live() {
		if peer == slot || peer.endpoint == NoEndpoint || peer.privs.SendTo == nil {
			continue
		}
		if !peer.privs.AllIPC && !hasString(peer.privs.Targets, slot.label) {
			continue
		}
		if peer.privs.SendTo.Has(slot.endpoint) {
			continue
		}
		peer.privs.SendTo.Add(slot.endpoint)
		if err := s.updatePrivs(peer); err != nil {
			s.logf("Cannot extend privileges of %s: %v", peer.label, err)
		}
	}
}

// revokeIPC removes a dead endpoint from every send set.  The kernel
// invalidates the endpoint itself; this only keeps our view current.
func (s *Supervisor) revokeIPC(ep Endpoint) {
	if ep == NoEndpoint {
		return
	}
	for _, peer := range s.reg.Live() {
		if peer.privs.SendTo != nil {
			peer.privs.SendTo.Del(ep)
		}
	}
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
