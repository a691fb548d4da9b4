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
	"log"
	"syscall"

	"github.com/gdamore/rsvisor/rpc"
)

// slotLogger returns a logger that writes to the supervisor log and to
// the slot's own history.
func (s *Supervisor) slotLogger(slot *Slot) *log.Logger {
	ml := NewMultiLogger()
	ml.AddLogger(log.New(slot.hist, "", log.LstdFlags))
	ml.AddLogger(log.New(s.mlog, "", 0))
	return ml.Logger()
}

// CreateService allocates and configures a slot for a new service.  The
// slot is left Initializing; nothing runs until StartService.  On
// failure nothing stays allocated.
func (s *Supervisor) CreateService(cfg *StartConfig) (*Slot, error) {
	if s.shutdown {
		return nil, ErrShuttingDown
	}
	if err := cfg.Validate(); err != nil {
		label := ""
		if cfg != nil {
			label = cfg.Label
		}
		return nil, &Error{Kind: ConfigInvalid, Label: label, Err: err}
	}
	if s.reg.LookupByLabel(cfg.Label) != nil {
		return nil, newError(ConfigInvalid, cfg.Label, ErrDuplicateLabel)
	}
	slot, err := s.reg.Alloc()
	if err != nil {
		return nil, err
	}
	slot.label = cfg.Label
	slot.cfg = cfg.Clone()
	slot.domain = cfg.Domain
	slot.defaults = cfg.defaults()
	slot.logger = s.slotLogger(slot)

	if err = s.setupService(slot); err != nil {
		s.images.FreeExec(slot)
		s.reg.Free(slot)
		return nil, err
	}
	slot.state = StateInitializing
	slot.setReason("Created")
	slot.logf("Created service %s: %s", slot.label, slot.cfg.Path)
	s.updateGauges()
	return slot, nil
}

func (s *Supervisor) setupService(slot *Slot) error {
	if err := s.reg.checkDevices(slot, slot.cfg.Devices, nil); err != nil {
		return err
	}
	img, err := s.images.ReadExec(slot.cfg.Path)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Label = slot.label
		}
		return err
	}
	s.images.Attach(slot, img)
	if err = s.InitPrivs(slot); err != nil {
		return err
	}
	if err = s.reg.registerLabel(slot); err != nil {
		return err
	}
	return s.reg.registerDevices(slot)
}

func inheritServiceDefaults(dst, src *Slot) {
	dst.label = src.label
	dst.cfg = src.cfg.Clone()
	dst.domain = src.domain
	dst.defaults = src.defaults
	dst.privs = src.privs.Clone()
}

// CloneService allocates a slot linked to src.  An update clone becomes
// the destination of a live update; a replica is a standby instance.
// Clones are kept out of the label index until activated.  The source
// is not modified.
func (s *Supervisor) CloneService(src *Slot, kind CloneKind, initFlags SlotFlags) (*Slot, error) {
	if src.cfg == nil {
		return nil, newError(KindOther, src.label, ErrBadState)
	}
	dst, err := s.reg.Alloc()
	if err != nil {
		return nil, &Error{Kind: ResourceExhausted, Label: src.label, Err: ErrNoSlots}
	}
	inheritServiceDefaults(dst, src)
	dst.flags = FlagClone | initFlags
	dst.parent = src.id
	dst.state = StateInitializing
	dst.logger = s.slotLogger(dst)
	switch kind {
	case CloneReplica:
		dst.flags |= FlagReplica
		if err = s.images.ShareExec(src, dst); err != nil {
			s.reg.Free(dst)
			return nil, err
		}
		dst.setReason("Replica")
	case CloneUpdate:
		dst.prev = src.id
		dst.setReason("Update destination")
	}
	s.updateGauges()
	return dst, nil
}

// replicaOf returns the standby instance of a slot, if any.
func (s *Supervisor) replicaOf(src *Slot) *Slot {
	for _, r := range s.reg.LookupByFlags(FlagReplica) {
		if r.parent == src.id {
			return r
		}
	}
	return nil
}

// StartService starts the process of a freshly created slot.
func (s *Supervisor) StartService(slot *Slot, flags SlotFlags) error {
	return s.RunService(slot, InitFresh, flags)
}

// RunService creates the process for slot and registers it.  The slot
// is Running once this returns, but keeps InitPending until the service
// reports that initialization is complete.  On failure the slot is left
// as it was.
func (s *Supervisor) RunService(slot *Slot, it InitType, flags SlotFlags) error {
	if slot.pid != 0 {
		return newError(KindOther, slot.label, ErrBadState)
	}
	attached := false
	if slot.image == nil {
		img, err := s.images.ReadExec(slot.cfg.Path)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Label = slot.label
			}
			return err
		}
		s.images.Attach(slot, img)
		attached = true
	}
	undo := func() {
		if attached {
			s.images.FreeExec(slot)
		}
	}
	spec := &ExecSpec{
		Label: slot.label,
		Path:  slot.cfg.Path,
		Argv:  slot.cfg.Argv(),
		Env:   append([]string(nil), slot.cfg.Env...),
		Image: slot.image,
	}
	proc, err := s.kernel.Exec(spec)
	if err != nil {
		undo()
		return syscallError(slot.label, "exec", err)
	}
	s.reg.registerProc(slot, proc)

	oldSend := slot.privs.SendTo
	slot.privs.SendTo = oldSend.Clone()
	send, _ := s.FillSendMask(slot.privs.Targets)
	slot.privs.SendTo.Union(send)

	if err = s.installPrivs(slot); err == nil {
		err = s.asynsend(slot, &rpc.Message{
			Type:     rpc.TypeInit,
			InitType: uint8(it),
			State:    slot.initState,
			Label:    slot.label,
		})
	}
	if err != nil {
		// The process never ran as a service; its death is not ours
		// to classify.
		_ = s.kernel.Signal(proc.Pid, syscall.SIGKILL)
		s.reg.unregisterProc(slot)
		slot.privs.SendTo = oldSend
		undo()
		return err
	}

	slot.state = StateRunning
	slot.flags &^= FlagKilled | FlagFaultInjected | FlagPingPending | FlagExiting
	slot.flags |= FlagInitPending | flags
	slot.exit = ExitStatus{}
	slot.lastRestart = s.ticks
	slot.restartAt = 0
	s.receiveTicks(slot, s.cfg.InitTicks)
	if slot.cfg.Period > 0 {
		slot.pingAt = s.ticks + slot.cfg.Period
	}
	s.grantPeers(slot)
	slot.setReason(fmt.Sprintf("Started (%s)", it))
	slot.logf("Started %s: pid %d, endpoint %d (%s)",
		slot.label, slot.pid, slot.endpoint, it)
	return nil
}

// ActivateService makes next the live holder of old's label, and marks
// old for teardown.  This is a single registry update; no lookup sees
// both or neither.
func (s *Supervisor) ActivateService(next, old *Slot) {
	s.reg.activate(next, old)
	next.flags &^= FlagClone | FlagReplica | FlagUpdating
	if r := s.replicaOf(old); r != nil {
		r.parent = next.id
	}
	next.prev = old.id
	next.parent = NoSlot
	next.restarts = old.restarts
	next.crashes = old.crashes
	next.lastCrash = old.lastCrash

	old.flags |= FlagExiting
	old.flags &^= FlagUpdating | FlagRefreshing
	if old.state != StatePendingFree {
		old.state = StateTerminating
	}
	s.grantPeers(next)
	next.setReason("Activated")
	next.logf("Activated %s: endpoint %d replaces slot %d",
		next.label, next.endpoint, old.id.Index)
}

// TerminateService asks a service to exit for good.
func (s *Supervisor) TerminateService(slot *Slot) error {
	slot.flags |= FlagExiting
	return s.StopService(slot, StopGraceful)
}

// StopService stops the process of a slot.  A graceful stop sends
// SIGTERM and escalates to SIGKILL after StopTicks.  The death itself
// is handled by DoSigchld.
func (s *Supervisor) StopService(slot *Slot, how StopHow) error {
	if slot.pid == 0 {
		s.terminated(slot)
		return nil
	}
	slot.state = StateTerminating
	sig := syscall.SIGTERM
	if how == StopForce {
		sig = syscall.SIGKILL
		slot.flags |= FlagKilled
		slot.deadline = 0
	} else {
		s.receiveTicks(slot, s.cfg.StopTicks)
	}
	slot.flags &^= FlagInitPending | FlagPingPending
	if err := s.kernel.Signal(slot.pid, sig); err != nil {
		return syscallError(slot.label, "signal", err)
	}
	slot.logf("Stopping %s: pid %d, signal %d", slot.label, slot.pid, int(sig))
	return nil
}

// terminated finishes an expected stop.
func (s *Supervisor) terminated(slot *Slot) {
	if slot.Has(FlagRefreshing) && !slot.Has(FlagExiting) && !s.shutdown {
		slot.flags &^= FlagRefreshing
		if err := s.RestartService(slot); err != nil {
			slot.err = err
			slot.logf("Cannot refresh %s: %v", slot.label, err)
			if slot.pending != nil && slot.pendOp != OpUp {
				s.lateReply(slot.pending, Reply{Err: err})
				slot.pending = nil
			}
			s.CrashService(slot)
			return
		}
		if slot.pending != nil && slot.pendOp != OpUp {
			// Refresh and restart answer once the process runs again.
			s.lateReply(slot.pending, Reply{Endpoint: slot.endpoint})
			slot.pending = nil
		}
		return
	}
	s.CleanupServiceNow(slot)
}

// RestartService runs a slot again from its saved configuration.  The
// image is read again from storage unless the service keeps a copy.
func (s *Supervisor) RestartService(slot *Slot) error {
	if slot.defaults&DefUseCopy == 0 {
		s.images.FreeExec(slot)
	}
	if err := s.RunService(slot, InitRestart, 0); err != nil {
		return err
	}
	slot.restarts++
	restartsTotal.WithLabelValues(slot.label).Inc()
	return nil
}

// KillService kills a service and records why.  The death is then
// handled like any other.
func (s *Supervisor) KillService(slot *Slot, errstr string, err error) error {
	slot.setReason(errstr)
	slot.err = err
	slot.flags |= FlagKilled
	slot.logf("Killing %s: %s", slot.label, errstr)
	if slot.pid == 0 {
		return nil
	}
	if e := s.kernel.Signal(slot.pid, syscall.SIGKILL); e != nil {
		return syscallError(slot.label, "kill", e)
	}
	return nil
}

// CleanupService takes a slot down in two calls.  The first detaches
// the slot from every index (killing any process still attached) and
// leaves it PendingFree, where its diagnostics can still be read.  The
// second frees the slot and its image reference.  A further call is a
// bug and panics.
func (s *Supervisor) CleanupService(slot *Slot) {
	switch slot.state {
	case StateEmpty:
		panic(fmt.Sprintf("rsvisor: cleanup of free slot %d", slot.id.Index))
	case StatePendingFree:
		s.finalize(slot)
		return
	}
	if t := slot.txn; t != nil && t.src == slot.id && !t.State.Terminal() && t.State != TxnAborting {
		s.abortTxn(t, abortError(slot.label, "service stopped", nil))
	}
	if slot.pid != 0 {
		if err := s.kernel.Signal(slot.pid, syscall.SIGKILL); err != nil {
			slot.logf("Cannot kill %s: %v", slot.label, err)
		}
		slot.flags |= FlagKilled
	}
	if r := s.replicaOf(slot); r != nil {
		s.CleanupServiceNow(r)
	}
	s.revokeIPC(slot.endpoint)
	s.reg.unregisterAll(slot)
	slot.state = StatePendingFree
	slot.flags &^= FlagInitPending | FlagPingPending
	slot.deadline = 0
	slot.restartAt = 0
	slot.logf("Cleaned up %s", slot.label)
}

// CleanupServiceNow performs both cleanup steps.
func (s *Supervisor) CleanupServiceNow(slot *Slot) {
	if slot.state != StatePendingFree {
		s.CleanupService(slot)
	}
	s.CleanupService(slot)
}

func (s *Supervisor) finalize(slot *Slot) {
	if slot.pending != nil {
		rep := Reply{}
		if slot.pendOp != OpDown {
			rep.Err = slot.err
			if rep.Err == nil {
				rep.Err = newError(CrashDetected, slot.label, nil)
			}
		}
		s.lateReply(slot.pending, rep)
		slot.pending = nil
	}
	if slot.txn != nil && slot.txn.State.Terminal() {
		slot.txn = nil
	}
	s.images.FreeExec(slot)
	s.reg.Free(slot)
	s.updateGauges()
}

// DetachService removes a slot from the supervisor without touching its
// process, which is left to whoever takes it over.
func (s *Supervisor) DetachService(slot *Slot) {
	if slot.state == StateEmpty || slot.state == StatePendingFree {
		panic(fmt.Sprintf("rsvisor: detach of dead slot %d", slot.id.Index))
	}
	slot.flags |= FlagDetached
	slot.logf("Detached %s: pid %d", slot.label, slot.pid)
	s.reg.unregisterAll(slot)
	slot.state = StatePendingFree
	s.finalize(slot)
}

// EditService changes the privileges and scheduling of a service in
// place.  The label and binary must stay the same; changing the binary
// is an update.
func (s *Supervisor) EditService(slot *Slot, cfg *StartConfig) error {
	if err := cfg.Validate(); err != nil {
		return &Error{Kind: ConfigInvalid, Label: slot.label, Err: err}
	}
	if cfg.Label != slot.label || cfg.Path != slot.cfg.Path {
		return &Error{Kind: ConfigInvalid, Label: slot.label,
			Reason: "label and path cannot be edited", Err: ErrBadConfig}
	}
	if err := s.reg.checkDevices(slot, cfg.Devices, nil); err != nil {
		return err
	}
	oldCfg, oldPrivs := slot.cfg, slot.privs
	slot.cfg = cfg.Clone()
	if err := s.InitPrivs(slot); err != nil {
		slot.cfg, slot.privs = oldCfg, oldPrivs
		return err
	}
	if slot.pid != 0 {
		if err := s.updatePrivs(slot); err != nil {
			slot.cfg, slot.privs = oldCfg, oldPrivs
			return err
		}
		sp := SchedParams{
			Priority:  slot.cfg.Priority,
			Quantum:   slot.cfg.Quantum,
			Scheduler: slot.cfg.Scheduler,
		}
		if err := s.kernel.SchedInit(slot.endpoint, sp); err != nil {
			slot.cfg, slot.privs = oldCfg, oldPrivs
			if e := s.updatePrivs(slot); e != nil {
				slot.logf("Cannot restore privileges of %s: %v", slot.label, e)
			}
			return syscallError(slot.label, "sched init", err)
		}
	}
	s.reg.unregisterDevices(slot)
	// Checked above, cannot fail.
	_ = s.reg.registerDevices(slot)
	slot.domain = cfg.Domain
	slot.defaults = cfg.defaults()
	if slot.cfg.Period > 0 {
		slot.pingAt = s.ticks + slot.cfg.Period
	} else {
		slot.pingAt = 0
	}
	slot.setReason("Edited")
	slot.logf("Edited %s", slot.label)
	return nil
}
