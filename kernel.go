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
	"syscall"

	"github.com/gdamore/rsvisor/rpc"
)

// Endpoint is the kernel assigned address of a live process.
type Endpoint int32

const (
	// NoEndpoint marks a slot without a process.
	NoEndpoint Endpoint = 0

	// SupervisorEndpoint is the endpoint of the supervisor itself.
	// Every service may send to it.
	SupervisorEndpoint Endpoint = 1
)

// ExecSpec is what the kernel needs to create a service process.
type ExecSpec struct {
	Label string
	Path  string
	Argv  []string
	Env   []string
	Image *ExecImage
}

// Proc identifies a process created by the kernel.
type Proc struct {
	Pid      int
	Endpoint Endpoint
}

// SchedParams binds a process to a scheduler.
type SchedParams struct {
	Priority  int
	Quantum   int
	Scheduler string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

func (st ExitStatus) String() string {
	if st.Signal != 0 {
		return fmt.Sprintf("killed by signal %d", int(st.Signal))
	}
	return fmt.Sprintf("exit status %d", st.Code)
}

// Event is anything the supervisor loop reacts to.
type Event interface {
	event()
}

// ExitEvent reports the death of a child process.
type ExitEvent struct {
	Pid    int
	Status ExitStatus
}

// MessageEvent carries a message sent by a service.
type MessageEvent struct {
	From Endpoint
	Msg  *rpc.Message
}

// TickEvent advances the supervisor clock by one tick.
type TickEvent struct{}

func (*ExitEvent) event()    {}
func (*MessageEvent) event() {}
func (TickEvent) event()     {}
func (*Request) event()      {}

// Kernel is the set of services the supervisor consumes from the kernel
// and the privilege subsystem.  The supervisor promises not to call
// these methods concurrently; implementations need only protect state
// they share with their own goroutines.
type Kernel interface {
	// Exec creates a process running the image.  The process exists,
	// but has no privileges and no scheduler, until InitPrivs and
	// SchedInit are called.
	Exec(spec *ExecSpec) (Proc, error)

	// Signal delivers a signal.  Death is reported later on Events.
	Signal(pid int, sig syscall.Signal) error

	// InitPrivs installs the initial privilege structure.
	InitPrivs(ep Endpoint, p *Privs) error

	// SetPrivs replaces the privilege structure of a live process.
	SetPrivs(ep Endpoint, p *Privs) error

	// SchedInit binds a process to its scheduler.
	SchedInit(ep Endpoint, sp SchedParams) error

	// Swap exchanges the endpoints of two processes, so that a new
	// generation can take over the identity of an old one.
	Swap(a, b Endpoint) error

	// AsynSend queues a message without waiting for delivery.
	AsynSend(ep Endpoint, m *rpc.Message) error

	// Events returns the channel on which process deaths and messages
	// from services are delivered.
	Events() <-chan Event
}
