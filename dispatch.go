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
	"github.com/gdamore/rsvisor/rpc"
)

func (s *Supervisor) dispatch(req *Request) {
	switch req.Op {
	case OpUp:
		s.doUp(req)
	case OpDown:
		s.doDown(req)
	case OpRefresh:
		s.doRefresh(req, StopGraceful)
	case OpRestart:
		s.doRefresh(req, StopForce)
	case OpClone:
		s.doClone(req)
	case OpUnclone:
		s.doUnclone(req)
	case OpEdit:
		s.doEdit(req)
	case OpUpdate:
		s.doUpdate(req)
	case OpUpdReady:
		s.doUpdReady(req)
	case OpInitReady:
		s.doInitReady(req)
	case OpShutdown:
		s.doShutdown(req)
	case OpPeriod:
		s.DoPeriod()
		s.reply(req, Reply{})
	case OpGetSysInfo:
		s.reply(req, Reply{Info: s.Slots(), Status: s.Status()})
	case OpLookup:
		s.doLookup(req)
	case OpSysctl:
		s.doSysctl(req)
	case OpFI:
		s.doFi(req)
	default:
		s.reply(req, Reply{Err: ErrBadRequest})
	}
}

// target finds the live, non-clone slot a request names.
func (s *Supervisor) target(req *Request) *Slot {
	slot := s.reg.LookupByLabel(req.Label)
	if slot == nil {
		s.reply(req, Reply{Err: newError(KindOther, req.Label, ErrNoSuchService)})
	}
	return slot
}

func (s *Supervisor) doUp(req *Request) {
	if req.Start == nil {
		s.reply(req, Reply{Err: ErrBadRequest})
		return
	}
	slot, err := s.CreateService(req.Start)
	if err != nil {
		s.reply(req, Reply{Err: err})
		return
	}
	if err = s.StartService(slot, 0); err != nil {
		s.CleanupServiceNow(slot)
		s.reply(req, Reply{Err: err})
		return
	}
	// Answered when the service finishes initializing.
	slot.pending = req
	slot.pendOp = OpUp
}

func (s *Supervisor) doDown(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	if slot.pending != nil {
		s.lateReply(slot.pending, Reply{Err: &Error{Kind: KindOther,
			Label: slot.label, Reason: "stopped", Err: ErrBadState}})
	}
	slot.pending = req
	slot.pendOp = OpDown
	if err := s.TerminateService(slot); err != nil {
		slot.pending = nil
		s.reply(req, Reply{Err: err})
	}
}

func (s *Supervisor) doRefresh(req *Request, how StopHow) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	if slot.pending != nil || slot.txn != nil || slot.state == StateTerminating {
		s.reply(req, Reply{Err: &Error{Kind: KindOther, Label: slot.label,
			Reason: "busy", Err: ErrBadState}})
		return
	}
	slot.flags |= FlagRefreshing
	slot.pending = req
	slot.pendOp = req.Op
	if err := s.StopService(slot, how); err != nil {
		slot.flags &^= FlagRefreshing
		slot.pending = nil
		s.reply(req, Reply{Err: err})
	}
}

func (s *Supervisor) doClone(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	if slot.state != StateRunning || s.replicaOf(slot) != nil {
		s.reply(req, Reply{Err: &Error{Kind: KindOther, Label: slot.label,
			Reason: "cannot clone", Err: ErrBadState}})
		return
	}
	r, err := s.CloneService(slot, CloneReplica, 0)
	if err != nil {
		s.reply(req, Reply{Err: err})
		return
	}
	if err = s.RunService(r, InitFresh, 0); err == nil {
		err = s.AddBackwardIPC(r, slot)
	}
	if err != nil {
		s.CleanupServiceNow(r)
		s.reply(req, Reply{Err: err})
		return
	}
	s.reply(req, Reply{Endpoint: r.endpoint})
}

func (s *Supervisor) doUnclone(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	r := s.replicaOf(slot)
	if r == nil {
		s.reply(req, Reply{Err: &Error{Kind: KindOther, Label: slot.label,
			Reason: "no replica", Err: ErrNoSuchService}})
		return
	}
	s.CleanupServiceNow(r)
	s.reply(req, Reply{})
}

func (s *Supervisor) doEdit(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	if req.Start == nil {
		s.reply(req, Reply{Err: ErrBadRequest})
		return
	}
	s.reply(req, Reply{Err: s.EditService(slot, req.Start)})
}

func (s *Supervisor) doUpdate(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	u := req.Update
	if u == nil {
		u = &UpdateRequest{}
	}
	t, err := s.RequestPrepareUpdateService(slot, u.State, u, req)
	if err != nil {
		s.reply(req, Reply{Err: err})
		return
	}
	if !t.replyFlag {
		s.reply(req, Reply{Txn: t.ID.String()})
		t.req = nil
	}
}

func (s *Supervisor) doUpdReady(req *Request) {
	slot := s.reg.LookupByEndpoint(req.Endpoint)
	if slot == nil {
		s.reply(req, Reply{Err: ErrNoSuchService})
		return
	}
	s.DoUpdReady(slot, req.Result)
	s.reply(req, Reply{})
}

func (s *Supervisor) doInitReady(req *Request) {
	slot := s.reg.LookupByEndpoint(req.Endpoint)
	if slot == nil {
		s.reply(req, Reply{Err: ErrNoSuchService})
		return
	}
	s.DoInitReady(slot, req.Result)
	s.reply(req, Reply{})
}

func (s *Supervisor) doLookup(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	s.reply(req, Reply{Endpoint: slot.endpoint, Info: []SlotInfo{slot.Info()}})
}

func (s *Supervisor) doSysctl(req *Request) {
	switch req.Sysctl {
	case SysctlStatus, "":
	case SysctlAbort:
		n := s.AbortUpdateProc("aborted by request")
		s.logf("Aborted %d update transactions", n)
	default:
		s.reply(req, Reply{Err: ErrBadRequest})
		return
	}
	s.reply(req, Reply{Status: s.Status()})
}

func (s *Supervisor) doFi(req *Request) {
	slot := s.target(req)
	if slot == nil {
		return
	}
	s.reply(req, Reply{Err: s.FiService(slot)})
}

// doShutdown stops every service.  The request is answered once the
// last one is gone.
func (s *Supervisor) doShutdown(req *Request) {
	s.idleReqs = append(s.idleReqs, req)
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.logf("*** Supervisor shutting down: %s ***", s.cfg.Name)
	s.AbortUpdateProc("supervisor shutting down")
	for _, slot := range s.reg.Live() {
		if !slot.Live() || slot.Has(FlagClone) {
			continue
		}
		if err := s.TerminateService(slot); err != nil {
			slot.logf("Cannot stop %s: %v", slot.label, err)
		}
	}
}

// DoMessage handles a message from a service.
func (s *Supervisor) DoMessage(from Endpoint, m *rpc.Message) {
	slot := s.reg.LookupByEndpoint(from)
	if slot == nil {
		s.logf("Message %s from unknown endpoint %d", m.Type, from)
		return
	}
	switch m.Type {
	case rpc.TypeInitReady:
		s.DoInitReady(slot, m.Result)
	case rpc.TypeUpdReady:
		s.DoUpdReady(slot, m.Result)
	case rpc.TypeAlive:
		slot.flags &^= FlagPingPending
	default:
		slot.logf("Unexpected message %s from %s", m.Type, slot.label)
	}
}

// DoInitReady handles the end of a service's initialization.
func (s *Supervisor) DoInitReady(slot *Slot, result int) {
	if !slot.Has(FlagInitPending) {
		slot.logf("Unexpected init ready from %s", slot.label)
		return
	}
	slot.flags &^= FlagInitPending
	slot.deadline = 0

	if t := slot.txn; t != nil && t.dst == slot.id {
		if result != rpc.ResultOK {
			s.abortTxn(t, abortError(t.Label, "destination failed to initialize", nil))
			return
		}
		if err := s.CompleteSrvUpdate(t); err != nil {
			s.abortTxn(t, err)
		}
		return
	}

	if result != rpc.ResultOK {
		err := &Error{Kind: CrashDetected, Label: slot.label,
			Reason: "initialization failed"}
		if slot.pending != nil && slot.pendOp == OpUp {
			slot.err = err
			slot.flags |= FlagExiting
			if e := s.StopService(slot, StopForce); e != nil {
				slot.logf("Cannot stop %s: %v", slot.label, e)
			}
			return
		}
		if e := s.KillService(slot, "initialization failed", err); e != nil {
			slot.logf("Cannot kill %s: %v", slot.label, e)
		}
		return
	}
	slot.setReason("Running")
	slot.logf("Service %s initialized", slot.label)
	if slot.pending != nil && slot.pendOp == OpUp {
		s.lateReply(slot.pending, Reply{Endpoint: slot.endpoint})
		slot.pending = nil
	}
}

// DoPeriod advances the clock and acts on every deadline that has
// passed: restarts after backoff, stop escalation, initialization
// timeouts, heartbeats and update timeouts.
func (s *Supervisor) DoPeriod() {
	s.ticks++
	for _, slot := range s.reg.Live() {
		if !slot.Live() {
			continue
		}
		switch {
		case slot.state == StateCrashed:
			if slot.restartAt != 0 && s.ticks >= slot.restartAt {
				s.restartCrashed(slot)
			}
		case slot.state == StateTerminating:
			if slot.deadline != 0 && s.ticks >= slot.deadline && slot.pid != 0 {
				slot.logf("Service %s did not stop, killing it", slot.label)
				if err := s.StopService(slot, StopForce); err != nil {
					slot.logf("Cannot kill %s: %v", slot.label, err)
				}
			}
		case slot.Has(FlagInitPending):
			if slot.txn == nil && slot.deadline != 0 && s.ticks >= slot.deadline {
				s.initTimeout(slot)
			}
		case slot.state == StateRunning && slot.pingAt != 0 && s.ticks >= slot.pingAt:
			s.heartbeat(slot)
		}
	}
	s.checkUpdateTimeout()
}

func (s *Supervisor) restartCrashed(slot *Slot) {
	slot.logf("Restarting %s after %d ticks", slot.label, slot.backoff)
	if err := s.RestartService(slot); err != nil {
		slot.err = err
		slot.logf("Cannot restart %s: %v", slot.label, err)
		s.CrashService(slot)
		return
	}
	if slot.pending != nil && slot.pendOp != OpUp {
		s.lateReply(slot.pending, Reply{Endpoint: slot.endpoint})
		slot.pending = nil
	}
}

func (s *Supervisor) initTimeout(slot *Slot) {
	err := &Error{Kind: Timeout, Label: slot.label,
		Reason: "initialization", Err: ErrTimeout}
	slot.flags &^= FlagInitPending
	slot.deadline = 0
	if slot.pending != nil && slot.pendOp == OpUp {
		slot.err = err
		slot.flags |= FlagExiting
		if e := s.StopService(slot, StopForce); e != nil {
			slot.logf("Cannot stop %s: %v", slot.label, e)
		}
		return
	}
	if e := s.KillService(slot, "initialization timed out", err); e != nil {
		slot.logf("Cannot kill %s: %v", slot.label, e)
	}
}

func (s *Supervisor) heartbeat(slot *Slot) {
	if slot.Has(FlagPingPending) {
		slot.pingAt = 0
		err := &Error{Kind: Timeout, Label: slot.label,
			Reason: "heartbeat", Err: ErrTimeout}
		if e := s.KillService(slot, "heartbeat timeout", err); e != nil {
			slot.logf("Cannot kill %s: %v", slot.label, e)
		}
		return
	}
	if err := s.asynsend(slot, &rpc.Message{Type: rpc.TypePing}); err != nil {
		slot.logf("Cannot ping %s: %v", slot.label, err)
	}
	slot.flags |= FlagPingPending
	slot.pingAt = s.ticks + slot.cfg.Period
}
