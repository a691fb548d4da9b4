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
	"sync"
	"syscall"

	"github.com/gdamore/rsvisor/rpc"
)

// SimProc is a process of the simulated kernel.
type SimProc struct {
	Pid      int
	Endpoint Endpoint
	Label    string
	Path     string
	Argv     []string
	Digest   Digest
	Privs    Privs
	Sched    SchedParams
	Signals  []syscall.Signal
	Dead     bool
}

// SentMsg records a message handed to AsynSend.
type SentMsg struct {
	To    Endpoint
	Label string
	Msg   rpc.Message
}

// SimKernel is an in-memory Kernel.  Processes exist only as records;
// they die when signalled (unless told to ignore SIGTERM) or when Crash
// is called.  It is deterministic: pids and endpoints are handed out in
// order, and events are queued in the order they happen.
//
// Events are delivered either by Pump, for tests that drive the
// supervisor through Handle, or on the Events channel once it has been
// asked for.
type SimKernel struct {
	// FailExec makes Exec fail for the labels present.
	FailExec map[string]error

	// FailPrivs makes InitPrivs fail for the labels present.
	FailPrivs map[string]error

	// FailSched makes SchedInit fail for the labels present.
	FailSched map[string]error

	// FailSwap makes Swap fail.
	FailSwap error

	// IgnoreTerm lists labels whose processes survive SIGTERM.
	IgnoreTerm map[string]bool

	// AutoReady answers init, prepare and ping messages on behalf of
	// the services, as well behaved services would.
	AutoReady bool

	nextPid int
	nextEp  Endpoint
	procs   map[int]*SimProc
	byEp    map[Endpoint]*SimProc
	sent    []SentMsg
	queue   []Event
	events  chan Event
	closed  bool
	quit    chan struct{}
	cv      *sync.Cond
	mx      sync.Mutex
}

// NewSimKernel returns an empty simulated kernel.
func NewSimKernel() *SimKernel {
	k := &SimKernel{
		FailExec:   make(map[string]error),
		FailPrivs:  make(map[string]error),
		FailSched:  make(map[string]error),
		IgnoreTerm: make(map[string]bool),
		nextPid:    100,
		nextEp:     100,
		procs:      make(map[int]*SimProc),
		byEp:       make(map[Endpoint]*SimProc),
		quit:       make(chan struct{}),
	}
	k.cv = sync.NewCond(&k.mx)
	return k
}

func (k *SimKernel) push(ev Event) {
	k.queue = append(k.queue, ev)
	k.cv.Signal()
}

func (k *SimKernel) Exec(spec *ExecSpec) (Proc, error) {
	k.mx.Lock()
	defer k.mx.Unlock()
	if err := k.FailExec[spec.Label]; err != nil {
		return Proc{}, err
	}
	k.nextPid++
	k.nextEp++
	p := &SimProc{
		Pid:      k.nextPid,
		Endpoint: k.nextEp,
		Label:    spec.Label,
		Path:     spec.Path,
		Argv:     append([]string(nil), spec.Argv...),
	}
	if spec.Image != nil {
		p.Digest = spec.Image.Digest()
	}
	k.procs[p.Pid] = p
	k.byEp[p.Endpoint] = p
	return Proc{Pid: p.Pid, Endpoint: p.Endpoint}, nil
}

func (k *SimKernel) die(p *SimProc, st ExitStatus) {
	p.Dead = true
	if k.byEp[p.Endpoint] == p {
		delete(k.byEp, p.Endpoint)
	}
	k.push(&ExitEvent{Pid: p.Pid, Status: st})
}

func (k *SimKernel) Signal(pid int, sig syscall.Signal) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	p := k.procs[pid]
	if p == nil || p.Dead {
		return syscall.ESRCH
	}
	p.Signals = append(p.Signals, sig)
	if sig == syscall.SIGTERM && k.IgnoreTerm[p.Label] {
		return nil
	}
	k.die(p, ExitStatus{Signal: sig})
	return nil
}

// Crash makes a process exit on its own with code.
func (k *SimKernel) Crash(pid int, code int) {
	k.mx.Lock()
	defer k.mx.Unlock()
	if p := k.procs[pid]; p != nil && !p.Dead {
		k.die(p, ExitStatus{Code: code})
	}
}

func (k *SimKernel) setPrivs(ep Endpoint, pr *Privs) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	p := k.byEp[ep]
	if p == nil {
		return syscall.ESRCH
	}
	if err := k.FailPrivs[p.Label]; err != nil {
		return err
	}
	p.Privs = pr.Clone()
	return nil
}

func (k *SimKernel) InitPrivs(ep Endpoint, pr *Privs) error {
	return k.setPrivs(ep, pr)
}

func (k *SimKernel) SetPrivs(ep Endpoint, pr *Privs) error {
	return k.setPrivs(ep, pr)
}

func (k *SimKernel) SchedInit(ep Endpoint, sp SchedParams) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	p := k.byEp[ep]
	if p == nil {
		return syscall.ESRCH
	}
	if err := k.FailSched[p.Label]; err != nil {
		return err
	}
	p.Sched = sp
	return nil
}

func (k *SimKernel) Swap(a, b Endpoint) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	if k.FailSwap != nil {
		return k.FailSwap
	}
	pa, pb := k.byEp[a], k.byEp[b]
	if pa == nil || pb == nil {
		return syscall.ESRCH
	}
	pa.Endpoint, pb.Endpoint = b, a
	pa.Privs, pb.Privs = pb.Privs, pa.Privs
	k.byEp[a], k.byEp[b] = pb, pa
	return nil
}

func (k *SimKernel) AsynSend(ep Endpoint, m *rpc.Message) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	p := k.byEp[ep]
	if p == nil {
		return syscall.ESRCH
	}
	k.sent = append(k.sent, SentMsg{To: ep, Label: p.Label, Msg: *m})
	if !k.AutoReady {
		return nil
	}
	var rt rpc.Type
	switch m.Type {
	case rpc.TypeInit:
		rt = rpc.TypeInitReady
	case rpc.TypeLUPrepare:
		rt = rpc.TypeUpdReady
	case rpc.TypePing:
		rt = rpc.TypeAlive
	default:
		return nil
	}
	k.push(&MessageEvent{From: ep, Msg: &rpc.Message{Type: rt, Source: int32(ep)}})
	return nil
}

// Send queues a message from a service to the supervisor.
func (k *SimKernel) Send(from Endpoint, t rpc.Type, result int) {
	k.mx.Lock()
	defer k.mx.Unlock()
	k.push(&MessageEvent{From: from, Msg: &rpc.Message{
		Type:   t,
		Source: int32(from),
		Result: result,
	}})
}

// Events starts delivering queued events on a channel.  Pump must not
// be used afterwards.
func (k *SimKernel) Events() <-chan Event {
	k.mx.Lock()
	defer k.mx.Unlock()
	if k.events == nil {
		k.events = make(chan Event)
		go k.forward()
	}
	return k.events
}

func (k *SimKernel) forward() {
	for {
		k.mx.Lock()
		for len(k.queue) == 0 && !k.closed {
			k.cv.Wait()
		}
		if k.closed {
			k.mx.Unlock()
			close(k.events)
			return
		}
		ev := k.queue[0]
		k.queue = k.queue[1:]
		k.mx.Unlock()
		select {
		case k.events <- ev:
		case <-k.quit:
			close(k.events)
			return
		}
	}
}

// Close stops event delivery.
func (k *SimKernel) Close() {
	k.mx.Lock()
	if !k.closed {
		k.closed = true
		close(k.quit)
	}
	k.cv.Broadcast()
	k.mx.Unlock()
}

// Pump hands every queued event to s, including events raised while
// handling them.  It returns how many were handled.
func (k *SimKernel) Pump(s *Supervisor) int {
	n := 0
	for {
		k.mx.Lock()
		if len(k.queue) == 0 {
			k.mx.Unlock()
			return n
		}
		ev := k.queue[0]
		k.queue = k.queue[1:]
		k.mx.Unlock()
		s.Handle(ev)
		n++
	}
}

// Proc returns a copy of the process record for pid.
func (k *SimKernel) Proc(pid int) *SimProc {
	k.mx.Lock()
	defer k.mx.Unlock()
	p := k.procs[pid]
	if p == nil {
		return nil
	}
	c := *p
	c.Privs = p.Privs.Clone()
	c.Signals = append([]syscall.Signal(nil), p.Signals...)
	return &c
}

// ProcByEndpoint returns a copy of the live process at ep.
func (k *SimKernel) ProcByEndpoint(ep Endpoint) *SimProc {
	k.mx.Lock()
	p := k.byEp[ep]
	k.mx.Unlock()
	if p == nil {
		return nil
	}
	return k.Proc(p.Pid)
}

// Live returns the number of processes alive.
func (k *SimKernel) Live() int {
	k.mx.Lock()
	defer k.mx.Unlock()
	return len(k.byEp)
}

// Sent returns the messages sent to the process labelled label.
func (k *SimKernel) Sent(label string) []SentMsg {
	k.mx.Lock()
	defer k.mx.Unlock()
	var rv []SentMsg
	for _, m := range k.sent {
		if m.Label == label {
			rv = append(rv, m)
		}
	}
	return rv
}
