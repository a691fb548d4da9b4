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
	"log"
	"strings"
	"time"
)

// SlotID names a slot in the arena.  The generation changes every time
// the slot is freed, so a stale SlotID never resolves to a later
// occupant.
type SlotID struct {
	Index int
	Gen   uint32
}

// NoSlot is the zero link.
var NoSlot = SlotID{Index: -1}

// Valid reports whether the ID refers to a slot at all.
func (id SlotID) Valid() bool {
	return id.Index >= 0
}

// Slot is the record of one service generation, live or in transition.
//
// Slots live in the registry arena and are only ever handed out as
// pointers into it.  A pointer must not be used once the slot has been
// finalized; hold a SlotID instead where the lifetime is not obvious.
type Slot struct {
	id       SlotID
	state    State
	flags    SlotFlags
	defaults DefaultFlags

	label    string
	endpoint Endpoint
	pid      int
	domain   string
	cfg      *StartConfig
	image    *ExecImage
	privs    Privs

	prev    SlotID // generation this one replaces
	parent  SlotID // slot this one was cloned from
	txn     *Txn
	pending *Request // do_up/do_down awaiting a late reply
	pendOp  Op

	initState int // handed to the service with its init message

	restarts    int
	crashes     int
	lastCrash   uint64
	lastRestart uint64
	backoff     uint64
	restartAt   uint64
	deadline    uint64
	pingAt      uint64

	exit   ExitStatus
	reason string
	err    error
	stamp  time.Time
	hist   *History
	logger *log.Logger
}

const maxHistory = 64

// History keeps the most recent log lines of a slot.  It survives the
// first cleanup phase so that the reason for a death can still be read.
type History struct {
	Records    []string
	NumRecords int
}

func (h *History) Write(b []byte) (int, error) {
	if h.Records == nil {
		h.Records = make([]string, maxHistory)
	}
	str := strings.Trim(string(b), "\n")
	for _, line := range strings.Split(str, "\n") {
		h.Records[h.NumRecords%len(h.Records)] = line
		h.NumRecords++
	}
	return len(b), nil
}

// Lines returns the retained records, oldest first.
func (h *History) Lines() []string {
	if h == nil || h.NumRecords == 0 {
		return nil
	}
	n := h.NumRecords
	if n > len(h.Records) {
		n = len(h.Records)
	}
	rv := make([]string, 0, n)
	for i := h.NumRecords - n; i < h.NumRecords; i++ {
		rv = append(rv, h.Records[i%len(h.Records)])
	}
	return rv
}

func (s *Slot) ID() SlotID             { return s.id }
func (s *Slot) State() State           { return s.state }
func (s *Slot) Flags() SlotFlags       { return s.flags }
func (s *Slot) Defaults() DefaultFlags { return s.defaults }
func (s *Slot) Label() string          { return s.label }
func (s *Slot) Endpoint() Endpoint     { return s.endpoint }
func (s *Slot) Pid() int               { return s.pid }
func (s *Slot) Domain() string         { return s.domain }
func (s *Slot) Image() *ExecImage      { return s.image }
func (s *Slot) Txn() *Txn              { return s.txn }
func (s *Slot) Restarts() int          { return s.restarts }
func (s *Slot) Backoff() uint64        { return s.backoff }
func (s *Slot) RestartAt() uint64      { return s.restartAt }
func (s *Slot) Exit() ExitStatus       { return s.exit }
func (s *Slot) Err() error             { return s.err }
func (s *Slot) Prev() SlotID           { return s.prev }
func (s *Slot) Parent() SlotID         { return s.parent }

// Has reports whether all of the given flags are set.
func (s *Slot) Has(f SlotFlags) bool {
	return s.flags&f == f
}

// Config returns a copy of the configuration used to create the slot.
func (s *Slot) Config() *StartConfig {
	if s.cfg == nil {
		return nil
	}
	return s.cfg.Clone()
}

// Privs returns a copy of the privileges granted to the slot.
func (s *Slot) Privs() Privs {
	return s.privs.Clone()
}

// Status returns the most recent reason and when it was recorded.
func (s *Slot) Status() (string, time.Time) {
	return s.reason, s.stamp
}

// Reason returns the most recent reason string.
func (s *Slot) Reason() string {
	return s.reason
}

// History returns the recent log lines of the slot.
func (s *Slot) History() []string {
	return s.hist.Lines()
}

// Live is true for slots that hold a label or are being prepared to.
func (s *Slot) Live() bool {
	return s.state != StateEmpty && s.state != StatePendingFree
}

func (s *Slot) setReason(reason string) {
	s.reason = reason
	s.stamp = time.Now()
}

func (s *Slot) logf(format string, v ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}

// SlotInfo is a snapshot of a slot for diagnostics.
type SlotInfo struct {
	Index    int       `json:"index"`
	Label    string    `json:"label"`
	Endpoint Endpoint  `json:"endpoint"`
	Pid      int       `json:"pid"`
	Domain   string    `json:"domain,omitempty"`
	State    string    `json:"state"`
	Flags    string    `json:"flags,omitempty"`
	Defaults string    `json:"defaults,omitempty"`
	Path     string    `json:"path,omitempty"`
	Digest   string    `json:"digest,omitempty"`
	Restarts int       `json:"restarts"`
	Backoff  uint64    `json:"backoff,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Stamp    time.Time `json:"tstamp"`
	Txn      string    `json:"txn,omitempty"`
	TxnState string    `json:"txnState,omitempty"`
	Calls    []string  `json:"calls,omitempty"`
	SendTo   []int32   `json:"sendTo,omitempty"`
	History  []string  `json:"history,omitempty"`
}

// Info returns a snapshot of the slot.
func (s *Slot) Info() SlotInfo {
	i := SlotInfo{
		Index:    s.id.Index,
		Label:    s.label,
		Endpoint: s.endpoint,
		Pid:      s.pid,
		Domain:   s.domain,
		State:    s.state.String(),
		Flags:    s.flags.String(),
		Defaults: s.defaults.String(),
		Restarts: s.restarts,
		Backoff:  s.backoff,
		Reason:   s.reason,
		Stamp:    s.stamp,
		Calls:    s.privs.Calls.Names(),
		History:  s.hist.Lines(),
	}
	for _, ep := range s.privs.SendTo.Sorted() {
		i.SendTo = append(i.SendTo, int32(ep))
	}
	if s.cfg != nil {
		i.Path = s.cfg.Path
	}
	if s.image != nil {
		i.Digest = s.image.Digest().String()
	}
	if s.txn != nil {
		i.Txn = s.txn.ID.String()
		i.TxnState = s.txn.State.String()
	}
	return i
}
