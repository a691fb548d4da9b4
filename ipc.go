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

	"github.com/gdamore/rsvisor/rpc"
)

// Op is a control request understood by the dispatch layer.
type Op int

const (
	OpUp Op = iota + 1
	OpDown
	OpRefresh
	OpRestart
	OpClone
	OpUnclone
	OpEdit
	OpUpdate
	OpUpdReady
	OpInitReady
	OpShutdown
	OpPeriod
	OpGetSysInfo
	OpLookup
	OpSysctl
	OpFI
)

var opNames = map[Op]string{
	OpUp:         "up",
	OpDown:       "down",
	OpRefresh:    "refresh",
	OpRestart:    "restart",
	OpClone:      "clone",
	OpUnclone:    "unclone",
	OpEdit:       "edit",
	OpUpdate:     "update",
	OpUpdReady:   "upd_ready",
	OpInitReady:  "init_ready",
	OpShutdown:   "shutdown",
	OpPeriod:     "period",
	OpGetSysInfo: "getsysinfo",
	OpLookup:     "lookup",
	OpSysctl:     "sysctl",
	OpFI:         "fi",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Sysctl sub-requests.
const (
	SysctlStatus = "status"
	SysctlAbort  = "abort"
)

// Request is one control request.  It is answered exactly once, either
// while it is being handled or later, once the operation it started has
// finished.
type Request struct {
	Op       Op
	Label    string
	Start    *StartConfig
	Update   *UpdateRequest
	Endpoint Endpoint
	Result   int
	Sysctl   string

	reply chan Reply
}

// NewRequest returns a request for op on label.
func NewRequest(op Op, label string) *Request {
	return &Request{Op: op, Label: label, reply: make(chan Reply, 1)}
}

// Reply returns the channel on which the answer arrives.
func (r *Request) Reply() <-chan Reply {
	return r.reply
}

// Reply is the answer to a Request.
type Reply struct {
	Err      error      `json:"-"`
	Endpoint Endpoint   `json:"endpoint,omitempty"`
	Info     []SlotInfo `json:"info,omitempty"`
	Status   *SysStatus `json:"status,omitempty"`
	Txn      string     `json:"txn,omitempty"`
}

// SysStatus summarizes the supervisor for sysctl.
type SysStatus struct {
	Name       string   `json:"name"`
	Ticks      uint64   `json:"ticks"`
	SlotsInUse int      `json:"slotsInUse"`
	SlotsFree  int      `json:"slotsFree"`
	Images     int      `json:"images"`
	Idle       bool     `json:"idle"`
	Chain      []string `json:"chain,omitempty"`
	Shutdown   bool     `json:"shutdown"`
}

type outMsg struct {
	req *Request
	rep Reply
}

// reply answers a request that completed while being handled.
func (s *Supervisor) reply(req *Request, rep Reply) {
	if req == nil {
		return
	}
	s.outbox = append(s.outbox, outMsg{req: req, rep: rep})
}

// lateReply answers a request whose operation outlived the call that
// started it.  The two are distinct only in the log; both go through the
// outbox, so that no reply is sent in the middle of a transition.
func (s *Supervisor) lateReply(req *Request, rep Reply) {
	if req == nil {
		return
	}
	if rep.Err != nil {
		s.logf("Late reply to %s %s: %v", req.Op, req.Label, rep.Err)
	}
	s.reply(req, rep)
}

// flushReplies delivers queued replies.  It is called once the event
// being handled has been fully processed.
func (s *Supervisor) flushReplies() {
	out := s.outbox
	s.outbox = nil
	for _, m := range out {
		if m.req.reply == nil {
			continue
		}
		select {
		case m.req.reply <- m.rep:
		default:
			s.logf("Dropping duplicate reply to %s %s", m.req.Op, m.req.Label)
		}
	}
}

// asynsend queues a message for a service without waiting for it.
func (s *Supervisor) asynsend(slot *Slot, m *rpc.Message) error {
	if slot.endpoint == NoEndpoint {
		return syscallError(slot.label, "asynsend", fmt.Errorf("no endpoint"))
	}
	m.Source = int32(SupervisorEndpoint)
	if err := s.kernel.AsynSend(slot.endpoint, m); err != nil {
		return syscallError(slot.label, "asynsend "+m.Type.String(), err)
	}
	return nil
}

// receiveTicks arms the bounded wait for an answer from slot.  Expiry
// is handled by do_period.
func (s *Supervisor) receiveTicks(slot *Slot, ticks uint64) {
	slot.deadline = s.ticks + ticks
}

// installPrivs hands the slot's privileges and scheduling to the kernel
// for a freshly created process.
func (s *Supervisor) installPrivs(slot *Slot) error {
	p := slot.privs.Clone()
	if err := s.kernel.InitPrivs(slot.endpoint, &p); err != nil {
		return syscallError(slot.label, "init privileges", err)
	}
	sp := SchedParams{
		Priority:  slot.cfg.Priority,
		Quantum:   slot.cfg.Quantum,
		Scheduler: slot.cfg.Scheduler,
	}
	if err := s.kernel.SchedInit(slot.endpoint, sp); err != nil {
		return syscallError(slot.label, "sched init", err)
	}
	return nil
}

// updatePrivs pushes changed privileges of a running process.
func (s *Supervisor) updatePrivs(slot *Slot) error {
	if slot.endpoint == NoEndpoint {
		return nil
	}
	p := slot.privs.Clone()
	if err := s.kernel.SetPrivs(slot.endpoint, &p); err != nil {
		return syscallError(slot.label, "set privileges", err)
	}
	return nil
}
