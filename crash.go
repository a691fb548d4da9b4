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
	"syscall"
)

// DoSigchld handles the death of a child process.
func (s *Supervisor) DoSigchld(pid int, st ExitStatus) {
	slot := s.reg.LookupByPid(pid)
	if slot == nil {
		// Killed after we let go of it.
		s.logf("Reaped pid %d: %s", pid, st)
		return
	}
	ep := slot.endpoint
	slot.exit = st
	s.reg.unregisterProc(slot)
	s.revokeIPC(ep)
	slot.flags &^= FlagPingPending
	slot.logf("Service %s (pid %d) exited: %s", slot.label, pid, st)

	if t := slot.txn; t != nil && t.State.InFlight() {
		if t.dst == slot.id {
			s.abortTxn(t, &Error{Kind: CrashDetected, Label: slot.label,
				Reason: "update destination died: " + st.String()})
			return
		}
		if s.rollForward(t, slot) {
			return
		}
		// The source is kept live by the rollback, and then recovered
		// like any other crash.
		s.abortTxn(t, &Error{Kind: CrashDetected, Label: slot.label,
			Reason: "update source died: " + st.String()})
	}

	switch {
	case slot.Has(FlagClone):
		slot.setReason("Replica exited: " + st.String())
		s.CleanupServiceNow(slot)
	case slot.state == StateTerminating || slot.Has(FlagExiting):
		s.terminated(slot)
	case slot.Has(FlagInitPending) && slot.pending != nil && slot.pendOp == OpUp:
		slot.err = &Error{Kind: CrashDetected, Label: slot.label,
			Reason: "died during initialization: " + st.String()}
		s.CleanupServiceNow(slot)
	default:
		s.CrashService(slot)
	}
}

// CrashService decides what to do with a service that died on its own.
// A replica takes over if there is one; otherwise the service is
// restarted after a backoff, or disabled once it has crashed too often.
func (s *Supervisor) CrashService(slot *Slot) {
	crashesTotal.WithLabelValues(slot.label).Inc()
	switch {
	case slot.Has(FlagFaultInjected):
		slot.setReason("Fault injected: " + slot.exit.String())
	case slot.Has(FlagKilled) && slot.reason != "":
		// KillService recorded why.
	default:
		slot.setReason("Crashed: " + slot.exit.String())
	}
	var cause error
	if slot.Has(FlagKilled) {
		cause = slot.err
	}
	slot.err = &Error{Kind: CrashDetected, Label: slot.label,
		Reason: slot.reason, Err: cause}
	slot.state = StateCrashed
	slot.deadline = 0
	slot.pingAt = 0
	slot.flags &^= FlagInitPending | FlagPingPending | FlagRefreshing

	if s.shutdown || slot.defaults&DefNoRestart != 0 {
		s.disable(slot, "not restarted")
		return
	}
	if slot.defaults&DefUseReplica != 0 {
		if r := s.replicaOf(slot); r != nil && r.pid != 0 && !r.Has(FlagInitPending) {
			slot.logf("Service %s crashed, replica %d takes over", slot.label, r.endpoint)
			s.ActivateService(r, slot)
			s.CleanupServiceNow(slot)
			return
		}
	}

	p := s.cfg.Restart
	if slot.crashes > 0 && s.ticks-slot.lastRestart > p.WindowTicks {
		slot.crashes = 0
	}
	slot.crashes++
	slot.lastCrash = s.ticks
	if slot.crashes > p.Budget {
		s.disable(slot, "restarting too quickly")
		return
	}
	slot.backoff = p.Delay(slot.crashes)
	slot.restartAt = s.ticks + slot.backoff
	slot.logf("Service %s crashed (%s), restart %d in %d ticks",
		slot.label, slot.reason, slot.crashes, slot.backoff)
}

// disable gives up on a service for good.  Its label is freed, and any
// update that involves it is aborted.
func (s *Supervisor) disable(slot *Slot, why string) {
	slot.logf("Service %s disabled: %s", slot.label, why)
	s.abortReferencing(slot.label, slot.err)
	slot.setReason(slot.reason + "; " + why)
	s.CleanupServiceNow(slot)
}

// FiService injects a fault by killing the process.  The death is
// reported by the kernel and classified like any other.
func (s *Supervisor) FiService(slot *Slot) error {
	if slot.pid == 0 {
		return &Error{Kind: KindOther, Label: slot.label,
			Reason: "no process", Err: ErrBadState}
	}
	slot.flags |= FlagFaultInjected
	faultsTotal.WithLabelValues(slot.label).Inc()
	slot.logf("Injecting fault into %s (pid %d)", slot.label, slot.pid)
	if err := s.kernel.Signal(slot.pid, syscall.SIGKILL); err != nil {
		slot.flags &^= FlagFaultInjected
		return syscallError(slot.label, "fault injection", err)
	}
	return nil
}

// IsIdle reports whether no update and no crash recovery is under way.
func (s *Supervisor) IsIdle() bool {
	if len(s.chain) != 0 {
		return false
	}
	for _, slot := range s.reg.Live() {
		if slot.state == StateCrashed {
			return false
		}
	}
	return true
}

// IdlePeriod answers shutdown requests once the supervisor has nothing
// left to do.  It returns true when idle.
func (s *Supervisor) IdlePeriod() bool {
	if !s.IsIdle() {
		return false
	}
	if s.shutdown && len(s.reg.Live()) == 0 {
		for _, req := range s.idleReqs {
			s.lateReply(req, Reply{})
		}
		s.idleReqs = nil
		if !s.done {
			s.done = true
			s.logf("*** Supervisor shut down: %s ***", s.cfg.Name)
		}
	}
	return true
}
