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

	"github.com/google/uuid"

	"github.com/gdamore/rsvisor/rpc"
)

// Txn is one service's part in a live update.  It refers to its slots
// by SlotID only; the registry owns them.
type Txn struct {
	ID           uuid.UUID
	Label        string
	State        TxnState
	Flags        TxnFlags
	PrepareState int
	DependsOn    []string

	src          SlotID
	dst          SlotID
	cfg          *StartConfig
	retries      int
	allowRetries bool
	replyFlag    bool
	req          *Request
	err          error
	deadline     uint64
	srcDied      bool
}

func (t *Txn) Src() SlotID { return t.src }
func (t *Txn) Dst() SlotID { return t.dst }
func (t *Txn) Err() error  { return t.err }

// deps returns the labels this transaction must wait for, if they are
// ahead of it in the chain.
func (t *Txn) deps() []string {
	d := append([]string(nil), t.DependsOn...)
	if t.cfg != nil {
		d = append(d, t.cfg.IPC...)
	}
	return d
}

func (t *Txn) String() string {
	return fmt.Sprintf("%s[%s %s]", t.Label, t.ID.String()[:8], t.State)
}

// Chain returns the pending transactions in order.
func (s *Supervisor) Chain() []*Txn {
	return append([]*Txn(nil), s.chain...)
}

func (s *Supervisor) findTxn(label string) *Txn {
	for _, t := range s.chain {
		if t.Label == label {
			return t
		}
	}
	return nil
}

// activeTxn returns the transaction being prepared or committed.
func (s *Supervisor) activeTxn() *Txn {
	for _, t := range s.chain {
		if t.State.InFlight() {
			return t
		}
	}
	return nil
}

func (s *Supervisor) removeTxn(t *Txn) {
	for i, x := range s.chain {
		if x == t {
			s.chain = append(s.chain[:i], s.chain[i+1:]...)
			break
		}
	}
	chainLength.Set(float64(len(s.chain)))
}

// RequestPrepareUpdateService admits an update of slot to the chain.
// The update starts when every earlier transaction it depends on is
// done.  Only one transaction per label may be in the chain.
func (s *Supervisor) RequestPrepareUpdateService(slot *Slot, state int, u *UpdateRequest, req *Request) (*Txn, error) {
	if s.shutdown {
		return nil, ErrShuttingDown
	}
	if slot.state != StateRunning || slot.Has(FlagClone) || slot.Has(FlagExiting) {
		return nil, &Error{Kind: KindOther, Label: slot.label,
			Reason: slot.state.String(), Err: ErrBadState}
	}
	if s.findTxn(slot.label) != nil || slot.txn != nil {
		return nil, newError(KindOther, slot.label, ErrUpdateInProgress)
	}
	if u == nil {
		u = &UpdateRequest{}
	}
	cfg := u.target(slot.cfg)
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: ConfigInvalid, Label: slot.label, Err: err}
	}
	t := &Txn{
		ID:           uuid.New(),
		Label:        slot.label,
		State:        TxnQueued,
		Flags:        u.Flags,
		PrepareState: state,
		DependsOn:    append([]string(nil), u.DependsOn...),
		src:          slot.id,
		dst:          NoSlot,
		cfg:          cfg,
		retries:      s.cfg.MaxPrepareRetries,
		replyFlag:    !u.NoWait,
		req:          req,
	}
	slot.txn = t
	slot.flags |= FlagUpdating
	s.chain = append(s.chain, t)
	chainLength.Set(float64(len(s.chain)))
	slot.logf("Update of %s queued: %s", slot.label, cfg.Path)
	return t, nil
}

func (s *Supervisor) eligible(i int) bool {
	t := s.chain[i]
	for _, d := range t.deps() {
		for _, earlier := range s.chain[:i] {
			if earlier.Label == d {
				return false
			}
		}
	}
	return true
}

// StartUpdatePrepare starts preparing the first eligible queued
// transaction, unless one is already in flight.  It returns the
// transaction started, if any.  A transaction that fails to start is
// rolled back and the next one tried.
func (s *Supervisor) StartUpdatePrepare(allowRetries bool) *Txn {
	if s.activeTxn() != nil {
		return nil
	}
	for {
		var t *Txn
		for i := range s.chain {
			if s.chain[i].State == TxnQueued && s.eligible(i) {
				t = s.chain[i]
				break
			}
		}
		if t == nil {
			return nil
		}
		t.allowRetries = allowRetries
		if err := s.prepare(t); err != nil {
			s.abortTxn(t, err)
			continue
		}
		return t
	}
}

// StartUpdatePrepareNext moves the chain along once the transaction in
// flight has ended.
func (s *Supervisor) StartUpdatePrepareNext() *Txn {
	return s.StartUpdatePrepare(true)
}

// prepare creates the destination and asks the source to reach a state
// in which it can be replaced.
func (s *Supervisor) prepare(t *Txn) error {
	src := s.reg.Get(t.src)
	if src == nil || src.state != StateRunning || src.pid == 0 {
		return abortError(t.Label, "source not running", nil)
	}
	t.State = TxnPreparing
	dst, err := s.CloneService(src, CloneUpdate, FlagUpdating)
	if err != nil {
		return err
	}
	t.dst = dst.id
	dst.txn = t
	dst.cfg = t.cfg.Clone()
	dst.defaults = t.cfg.defaults()
	dst.domain = t.cfg.Domain

	if t.Flags&TxnShareExec != 0 && t.cfg.Path == src.cfg.Path {
		err = s.images.ShareExec(src, dst)
	} else {
		var img *ExecImage
		if img, err = s.images.ReadExec(t.cfg.Path); err == nil {
			s.images.Attach(dst, img)
		}
	}
	if err != nil {
		return err
	}
	if err = s.InitPrivs(dst); err != nil {
		return err
	}
	s.AddForwardIPC(dst, src)
	if err = s.reg.checkDevices(dst, dst.cfg.Devices, src); err != nil {
		return err
	}
	if t.Flags&TxnStateTransfer != 0 {
		dst.initState = t.PrepareState
	}

	if t.PrepareState == StateNone {
		t.State = TxnPrepared
		dst.logf("Update of %s prepared without handshake", t.Label)
		return s.StartSrvUpdate(t)
	}
	return s.sendPrepare(t, src)
}

func (s *Supervisor) sendPrepare(t *Txn, src *Slot) error {
	err := s.asynsend(src, &rpc.Message{
		Type:  rpc.TypeLUPrepare,
		State: t.PrepareState,
		Label: t.Label,
	})
	if err != nil {
		return err
	}
	t.deadline = s.ticks + s.cfg.ReceiveTicks
	return nil
}

// DoUpdReady handles the source's answer to a prepare request.
func (s *Supervisor) DoUpdReady(src *Slot, result int) {
	t := src.txn
	if t == nil || t.State != TxnPreparing || t.src != src.id {
		s.logf("Unexpected update ready from %s", src.label)
		return
	}
	switch result {
	case rpc.ResultOK:
		t.State = TxnPrepared
		t.deadline = 0
		if err := s.StartUpdate(); err != nil {
			src.logf("Cannot commit update of %s: %v", t.Label, err)
		}
	case rpc.ResultAgain:
		if !t.allowRetries || t.retries <= 0 {
			s.abortTxn(t, abortError(t.Label, "source never reached a safe state", nil))
			return
		}
		t.retries--
		if err := s.sendPrepare(t, src); err != nil {
			s.abortTxn(t, err)
		}
	default:
		s.abortTxn(t, abortError(t.Label,
			fmt.Sprintf("prepare failed with result %d", result), nil))
	}
}

// StartUpdate commits the prepared transaction, if there is one.
func (s *Supervisor) StartUpdate() error {
	t := s.activeTxn()
	if t == nil || t.State != TxnPrepared {
		return nil
	}
	if err := s.StartSrvUpdate(t); err != nil {
		s.abortTxn(t, err)
		return err
	}
	return nil
}

// StartSrvUpdate runs the destination and waits, for at most
// ReceiveTicks, for it to report that it is ready.
func (s *Supervisor) StartSrvUpdate(t *Txn) error {
	src, dst := s.reg.Get(t.src), s.reg.Get(t.dst)
	if src == nil || dst == nil {
		return abortError(t.Label, "update slots lost", nil)
	}
	t.State = TxnCommitting
	if err := s.RunService(dst, InitLiveUpdate, FlagUpdating); err != nil {
		return err
	}
	// The transaction deadline governs the destination.
	dst.deadline = 0
	if err := s.AddBackwardIPC(dst, src); err != nil {
		return err
	}
	t.deadline = s.ticks + s.cfg.ReceiveTicks
	dst.logf("Update of %s committing: pid %d", t.Label, dst.pid)
	return nil
}

// CompleteSrvUpdate cuts over to the destination once it is ready.  The
// kernel swaps the endpoints, so that the new generation is reached at
// the old address.
func (s *Supervisor) CompleteSrvUpdate(t *Txn) error {
	src, dst := s.reg.Get(t.src), s.reg.Get(t.dst)
	if src == nil || dst == nil || t.State != TxnCommitting {
		return abortError(t.Label, "update not committing", nil)
	}
	// A source that died has no endpoint left to hand over; the
	// destination keeps its own.
	if src.endpoint != NoEndpoint {
		if err := s.kernel.Swap(src.endpoint, dst.endpoint); err != nil {
			return syscallError(t.Label, "swap", err)
		}
		s.reg.swapEndpoints(src, dst)
	}
	dst.flags &^= FlagInitPending
	dst.deadline = 0
	s.ActivateService(dst, src)
	s.EndSrvUpdate(t, nil, t.replyFlag)
	return nil
}

// EndSrvUpdate ends a transaction.  With a nil result the destination,
// already activated, stays and the source is freed; otherwise the
// update is rolled back.  The requester is answered if replyFlag is set.
func (s *Supervisor) EndSrvUpdate(t *Txn, result error, replyFlag bool) {
	if !replyFlag {
		t.req = nil
	}
	dst := s.reg.Get(t.dst)
	if result == nil && (t.State != TxnCommitting || dst == nil || dst.Has(FlagClone)) {
		result = abortError(t.Label, "destination not activated", ErrBadState)
	}
	if result != nil {
		s.abortTxn(t, result)
		return
	}
	t.State = TxnDone
	t.deadline = 0
	dst.txn = nil
	dst.initState = 0
	if src := s.reg.Get(t.src); src != nil {
		src.txn = nil
		src.flags &^= FlagUpdating
		s.CleanupServiceNow(src)
	}
	s.removeTxn(t)
	updatesTotal.WithLabelValues(t.Label, "done").Inc()
	dst.logf("Update of %s done: %s", t.Label, dst.cfg.Path)
	s.lateReply(t.req, Reply{Endpoint: dst.endpoint, Txn: t.ID.String()})
}

// RollbackService leaves src live, as it was before the update, and
// frees dst with its image reference.
func (s *Supervisor) RollbackService(src, dst *Slot) {
	if dst != nil {
		dst.txn = nil
		s.CleanupServiceNow(dst)
	}
	if src == nil {
		return
	}
	src.txn = nil
	src.flags &^= FlagUpdating
	if src.Live() && s.reg.LookupByLabel(src.label) == nil {
		// Checked when created; nothing else can hold the label.
		_ = s.reg.registerLabel(src)
	}
	src.logf("Update of %s rolled back", src.label)
}

// abortTxn rolls a transaction back and answers its requester.  Queued
// transactions that depend on it are aborted too.
func (s *Supervisor) abortTxn(t *Txn, cause error) {
	if t.State.Terminal() || t.State == TxnAborting {
		return
	}
	t.State = TxnAborting
	if _, ok := cause.(*Error); ok && KindOf(cause) == UpdateAborted {
		t.err = cause
	} else {
		t.err = abortError(t.Label, "", cause)
	}
	src := s.reg.Get(t.src)
	s.RollbackService(src, s.reg.Get(t.dst))
	t.State = TxnRolledBack
	t.deadline = 0
	s.removeTxn(t)
	updatesTotal.WithLabelValues(t.Label, "rolledback").Inc()
	s.logf("Update of %s aborted: %v", t.Label, t.err)
	s.lateReply(t.req, Reply{Err: t.err, Txn: t.ID.String()})

	s.abortDependents(t.Label, t.err)

	// A source that died while the update rolled forward is recovered
	// the ordinary way once the update is gone.
	if t.srcDied && src != nil && src.Live() && src.pid == 0 {
		s.CrashService(src)
	}
}

// rollForward carries an update on after its source died, so that the
// destination replaces the dead source.  It reports false when the
// update cannot go on without the source: the transaction asked for
// NoCrash, or the source's state was to be handed over.
func (s *Supervisor) rollForward(t *Txn, src *Slot) bool {
	if t.Flags&(TxnNoCrash|TxnStateTransfer) != 0 {
		return false
	}
	if t.State != TxnPreparing && t.State != TxnCommitting {
		return false
	}
	if src.state == StateTerminating || src.Has(FlagExiting) {
		return false
	}
	t.srcDied = true
	crashesTotal.WithLabelValues(src.label).Inc()
	src.state = StateCrashed
	src.restartAt = 0
	src.deadline = 0
	src.pingAt = 0
	src.flags &^= FlagInitPending | FlagPingPending | FlagRefreshing
	src.setReason("Crashed during update: " + src.exit.String())
	src.logf("Source of update %s died, rolling forward", t.Label)

	if t.State == TxnPreparing {
		// Nobody is left to answer the prepare request.
		t.State = TxnPrepared
		t.deadline = 0
		if err := s.StartUpdate(); err != nil {
			src.logf("Cannot roll %s forward: %v", t.Label, err)
		}
	}
	return true
}

func (s *Supervisor) abortDependents(label string, cause error) {
	for _, d := range append([]*Txn(nil), s.chain...) {
		if hasString(d.deps(), label) {
			s.abortTxn(d, abortError(d.Label,
				fmt.Sprintf("dependency %s failed", label), cause))
		}
	}
}

// abortReferencing aborts every transaction for or depending on label.
func (s *Supervisor) abortReferencing(label string, cause error) {
	if t := s.findTxn(label); t != nil {
		s.abortTxn(t, cause)
	}
	s.abortDependents(label, cause)
}

// EndUpdate ends the transaction in flight with result.  It returns
// the transaction ended, if any.
func (s *Supervisor) EndUpdate(result error, replyFlag bool) *Txn {
	t := s.activeTxn()
	if t != nil {
		s.EndSrvUpdate(t, result, replyFlag)
	}
	return t
}

// AbortUpdateProc rolls back every transaction in the chain, the one in
// flight first.  It returns how many were aborted.
func (s *Supervisor) AbortUpdateProc(reason string) int {
	n := 0
	if t := s.activeTxn(); t != nil {
		s.EndUpdate(abortError(t.Label, reason, nil), true)
		n++
	}
	for len(s.chain) > 0 {
		t := s.chain[0]
		s.abortTxn(t, abortError(t.Label, reason, nil))
		n++
	}
	return n
}

// checkUpdateTimeout enforces the bounded waits of the transaction in
// flight.
func (s *Supervisor) checkUpdateTimeout() {
	t := s.activeTxn()
	if t == nil || t.deadline == 0 || s.ticks < t.deadline {
		return
	}
	var what string
	switch t.State {
	case TxnPreparing:
		what = "no prepare reply"
	default:
		what = "destination not ready"
	}
	s.EndUpdate(abortError(t.Label, "",
		&Error{Kind: Timeout, Reason: what, Err: ErrTimeout}), true)
}
