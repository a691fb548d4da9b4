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
	"strings"
)

// State is the lifecycle state of a slot.
//
//	Empty -> Initializing -> Running -> Terminating -> PendingFree -> Empty
//	                           |
//	                           +-> CrashedAwaitingRestart -> Initializing
//
// A live update does not move the source out of Running.  PendingFree
// holds a slot that has been detached from every index but still carries
// its diagnostics; the next cleanup returns it to the pool.
type State int

const (
	StateEmpty State = iota
	StateInitializing
	StateRunning
	StateTerminating
	StateCrashed
	StatePendingFree
)

var stateNames = []string{
	"Empty",
	"Initializing",
	"Running",
	"Terminating",
	"CrashedAwaitingRestart",
	"PendingFree",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SlotFlags record orthogonal conditions of a slot.
type SlotFlags uint32

const (
	FlagExiting       SlotFlags = 1 << iota // stop requested, never restart
	FlagRefreshing                          // restart once the process exits
	FlagUpdating                            // part of a live update
	FlagClone                               // not live: update destination or replica
	FlagReplica                             // hot standby instance
	FlagInitPending                         // waiting for the init handshake
	FlagKilled                              // killed by the supervisor
	FlagFaultInjected                       // killed by fault injection
	FlagDetached                            // handed off, process not ours
	FlagPingPending                         // heartbeat outstanding
)

var flagNames = []string{
	"Exiting",
	"Refreshing",
	"Updating",
	"Clone",
	"Replica",
	"InitPending",
	"Killed",
	"FaultInjected",
	"Detached",
	"PingPending",
}

func bitNames(v uint32, names []string) string {
	var parts []string
	for i, n := range names {
		if v&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

func (f SlotFlags) String() string {
	return bitNames(uint32(f), flagNames)
}

// DefaultFlags are inherited by every instance spawned from a slot.
type DefaultFlags uint32

const (
	DefUseCopy    DefaultFlags = 1 << iota // keep the image in memory for restarts
	DefUseReplica                          // recover by promoting a replica
	DefNoRestart                           // never restart after a crash
)

func (d DefaultFlags) String() string {
	return bitNames(uint32(d), []string{"UseCopy", "UseReplica", "NoRestart"})
}

// TxnState is the state of an update transaction.
type TxnState int

const (
	TxnQueued TxnState = iota
	TxnPreparing
	TxnPrepared
	TxnCommitting
	TxnDone
	TxnAborting
	TxnRolledBack
)

var txnStateNames = []string{
	"Queued",
	"Preparing",
	"Prepared",
	"Committing",
	"Done",
	"Aborting",
	"RolledBack",
}

func (s TxnState) String() string {
	if int(s) >= 0 && int(s) < len(txnStateNames) {
		return txnStateNames[s]
	}
	return fmt.Sprintf("TxnState(%d)", int(s))
}

// InFlight is true between admission to the prepare phase and the end
// of the commit.
func (s TxnState) InFlight() bool {
	return s == TxnPreparing || s == TxnPrepared || s == TxnCommitting
}

// Terminal is true once nothing more will happen to the transaction.
func (s TxnState) Terminal() bool {
	return s == TxnDone || s == TxnRolledBack
}

// TxnFlags qualify an update transaction.
type TxnFlags uint8

const (
	TxnNoCrash       TxnFlags = 1 << iota // source must not crash in the window
	TxnStateTransfer                      // destination receives the source state
	TxnShareExec                          // reuse the running image
)

func (f TxnFlags) String() string {
	return bitNames(uint32(f), []string{"NoCrash", "StateTransfer", "ShareExec"})
}

// InitType tells a starting service why it is being started.
type InitType uint8

const (
	InitFresh InitType = iota + 1
	InitRestart
	InitLiveUpdate
)

func (t InitType) String() string {
	switch t {
	case InitFresh:
		return "fresh"
	case InitRestart:
		return "restart"
	case InitLiveUpdate:
		return "live-update"
	}
	return fmt.Sprintf("InitType(%d)", uint8(t))
}

// StopHow selects between an orderly and a forceful stop.
type StopHow int

const (
	StopGraceful StopHow = iota
	StopForce
)

// CloneKind selects what a clone is for.
type CloneKind int

const (
	CloneUpdate CloneKind = iota
	CloneReplica
)

// StateNone asks for an update with no prepare handshake.
const StateNone = 0
