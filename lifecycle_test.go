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
	"errors"
	"syscall"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/rsvisor/rpc"
)

func TestServiceUp(t *testing.T) {
	Convey("Given a supervisor with eight slots", t, func() {
		r := newRig(t, testConfig())
		reg := r.s.Registry()

		Convey("Creating a service leaves it initializing", func() {
			slot, err := r.s.CreateService(svc("netdrv", "/sbin/netdrv"))
			So(err, ShouldBeNil)
			So(slot.State(), ShouldEqual, StateInitializing)
			So(slot.Pid(), ShouldEqual, 0)
			So(r.s.Lookup("netdrv"), ShouldEqual, slot)
			So(r.s.Images().Refs("/sbin/netdrv"), ShouldEqual, 1)
			So(r.k.Live(), ShouldEqual, 0)

			Convey("Starting it makes it run", func() {
				So(r.s.StartService(slot, 0), ShouldBeNil)
				So(slot.State(), ShouldEqual, StateRunning)
				So(slot.Has(FlagInitPending), ShouldBeTrue)
				So(reg.LookupByPid(slot.Pid()), ShouldEqual, slot)
				So(reg.LookupByEndpoint(slot.Endpoint()), ShouldEqual, slot)

				sent := r.k.Sent("netdrv")
				So(len(sent), ShouldEqual, 1)
				So(sent[0].Msg.Type, ShouldEqual, rpc.TypeInit)
				So(sent[0].Msg.InitType, ShouldEqual, uint8(InitFresh))
				So(sent[0].Msg.Source, ShouldEqual, int32(SupervisorEndpoint))

				p := r.k.ProcByEndpoint(slot.Endpoint())
				So(p, ShouldNotBeNil)
				So(p.Digest, ShouldResemble, slot.Image().Digest())
				So(p.Privs.SendTo.Has(SupervisorEndpoint), ShouldBeTrue)
			})
		})

		Convey("Up is answered once the service is initialized", func() {
			req := NewRequest(OpUp, "netdrv")
			req.Start = svc("netdrv", "/sbin/netdrv")
			r.do(req)
			_, ok := replyOf(req)
			So(ok, ShouldBeFalse)

			slot := r.s.Lookup("netdrv")
			So(slot, ShouldNotBeNil)
			r.send(slot.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(rep.Endpoint, ShouldEqual, slot.Endpoint())
			So(slot.Has(FlagInitPending), ShouldBeFalse)
			So(slot.Reason(), ShouldEqual, "Running")
		})

		Convey("A duplicate label is refused without leaking", func() {
			r.up(svc("netdrv", "/sbin/netdrv"))
			free := reg.NumFree()
			_, rep := r.up(svc("netdrv", "/sbin/netdrv2"))
			So(rep.Err, ShouldNotBeNil)
			So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)
			So(errors.Is(rep.Err, ErrDuplicateLabel), ShouldBeTrue)
			So(reg.NumFree(), ShouldEqual, free)
			So(r.s.Images().Refs("/sbin/netdrv2"), ShouldEqual, 0)
		})

		Convey("Bad configurations are refused", func() {
			_, rep := r.up(&StartConfig{Label: "has space", Path: "/sbin/netdrv"})
			So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)
			_, rep = r.up(&StartConfig{Label: "netdrv"})
			So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)
			_, rep = r.up(&StartConfig{Label: "netdrv", Path: "/sbin/netdrv", Priority: 99})
			So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)
			So(reg.NumFree(), ShouldEqual, 8)
		})

		Convey("Image errors leave nothing behind", func() {
			_, rep := r.up(svc("netdrv", "/sbin/nosuch"))
			So(KindOf(rep.Err), ShouldEqual, ImageError)
			So(errors.Is(rep.Err, ErrImageNotFound), ShouldBeTrue)

			_, rep = r.up(svc("netdrv", "/sbin/bogus"))
			So(errors.Is(rep.Err, ErrImageCorrupt), ShouldBeTrue)

			So(reg.NumFree(), ShouldEqual, 8)
			So(r.s.Images().Len(), ShouldEqual, 0)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
		})

		Convey("Exec failures leave nothing behind", func() {
			r.k.FailExec["netdrv"] = syscall.ENOMEM
			_, rep := r.up(svc("netdrv", "/sbin/netdrv"))
			So(KindOf(rep.Err), ShouldEqual, SyscallFailed)
			var e *Error
			So(errors.As(rep.Err, &e), ShouldBeTrue)
			So(e.Errno, ShouldEqual, syscall.ENOMEM)
			So(reg.NumFree(), ShouldEqual, 8)
			So(r.s.Images().Len(), ShouldEqual, 0)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
		})

		Convey("Privilege installation failures kill the process", func() {
			r.k.FailPrivs["netdrv"] = syscall.EPERM
			_, rep := r.up(svc("netdrv", "/sbin/netdrv"))
			So(KindOf(rep.Err), ShouldEqual, SyscallFailed)
			So(reg.NumFree(), ShouldEqual, 8)
			So(r.k.Live(), ShouldEqual, 0)
			So(r.k.Proc(101).Dead, ShouldBeTrue)
		})

		Convey("Calls the supervisor cannot grant are refused", func() {
			cfg := testConfig()
			cfg.GrantableCalls = []string{"KILL", "SIGSEND"}
			r = newRig(t, cfg)

			_, rep := r.up(&StartConfig{Label: "pm", Path: "/sbin/pm", Calls: []string{"kill", "EXEC"}})
			So(KindOf(rep.Err), ShouldEqual, PrivilegeDenied)
			So(errors.Is(rep.Err, ErrPrivilegeDenied), ShouldBeTrue)

			_, rep = r.up(&StartConfig{Label: "pm", Path: "/sbin/pm", Calls: []string{"FROB"}})
			So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)

			slot, rep := r.up(&StartConfig{Label: "pm", Path: "/sbin/pm", Calls: []string{"KILL"}})
			So(rep.Err, ShouldBeNil)
			So(slot.Privs().Calls.Names(), ShouldResemble, []string{"KILL"})
			So(r.s.Registry().NumFree(), ShouldEqual, 7)
		})

		Convey("Devices cannot be shared", func() {
			a, rep := r.up(&StartConfig{Label: "disk", Path: "/sbin/pm", Devices: []DevNr{3}})
			So(rep.Err, ShouldBeNil)
			_, rep = r.up(&StartConfig{Label: "disk2", Path: "/sbin/pm", Devices: []DevNr{4, 3}})
			So(errors.Is(rep.Err, ErrDeviceConflict), ShouldBeTrue)
			So(reg.LookupByDevNr(3), ShouldEqual, a)
			So(reg.LookupByDevNr(4), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 7)
		})

		Convey("The pool can run out", func() {
			cfg := testConfig()
			cfg.MaxSlots = 2
			r = newRig(t, cfg)
			r.up(svc("netdrv", "/sbin/netdrv"))
			r.up(svc("vfs", "/sbin/vfs"))
			_, rep := r.up(svc("pm", "/sbin/pm"))
			So(KindOf(rep.Err), ShouldEqual, ResourceExhausted)
			So(errors.Is(rep.Err, ErrNoSlots), ShouldBeTrue)
			So(r.s.Images().Refs("/sbin/pm"), ShouldEqual, 0)
		})

		Convey("Initialization that never finishes times out", func() {
			req := NewRequest(OpUp, "netdrv")
			req.Start = svc("netdrv", "/sbin/netdrv")
			r.do(req)
			r.tick(4)
			_, ok := replyOf(req)
			So(ok, ShouldBeFalse)
			r.tick(1)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(KindOf(rep.Err), ShouldEqual, Timeout)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 8)
			So(r.k.Live(), ShouldEqual, 0)
		})

		Convey("Initialization that fails is reported", func() {
			req := NewRequest(OpUp, "netdrv")
			req.Start = svc("netdrv", "/sbin/netdrv")
			r.do(req)
			r.send(r.s.Lookup("netdrv").Endpoint(), rpc.TypeInitReady, rpc.ResultFailed)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(KindOf(rep.Err), ShouldEqual, CrashDetected)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
		})

		Convey("Dying during initialization is reported", func() {
			req := NewRequest(OpUp, "netdrv")
			req.Start = svc("netdrv", "/sbin/netdrv")
			r.do(req)
			r.crash(r.s.Lookup("netdrv"), 2)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(KindOf(rep.Err), ShouldEqual, CrashDetected)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 8)
		})
	})
}

func TestServiceDown(t *testing.T) {
	Convey("Given a running service", t, func() {
		r := newRig(t, testConfig())
		reg := r.s.Registry()
		slot, rep := r.up(svc("netdrv", "/sbin/netdrv"))
		So(rep.Err, ShouldBeNil)
		pid := slot.Pid()

		Convey("Down stops it and frees everything", func() {
			req := NewRequest(OpDown, "netdrv")
			r.do(req)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(hasSignal(r.k.Proc(pid), int(syscall.SIGTERM)), ShouldBeTrue)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 8)
			So(r.s.Images().Len(), ShouldEqual, 0)
		})

		Convey("A service that ignores SIGTERM is killed", func() {
			r.k.IgnoreTerm["netdrv"] = true
			req := NewRequest(OpDown, "netdrv")
			r.do(req)
			_, ok := replyOf(req)
			So(ok, ShouldBeFalse)
			So(slot.State(), ShouldEqual, StateTerminating)

			r.tick(3)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(hasSignal(r.k.Proc(pid), int(syscall.SIGKILL)), ShouldBeTrue)
			So(reg.NumFree(), ShouldEqual, 8)
		})

		Convey("Refresh restarts it under the same label", func() {
			req := NewRequest(OpRefresh, "netdrv")
			r.do(req)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(r.s.Lookup("netdrv"), ShouldEqual, slot)
			So(slot.Pid(), ShouldNotEqual, pid)
			So(rep.Endpoint, ShouldEqual, slot.Endpoint())
			So(slot.Restarts(), ShouldEqual, 1)
			So(slot.State(), ShouldEqual, StateRunning)
			So(r.s.Images().Reads(), ShouldEqual, 2)

			msgs := r.k.Sent("netdrv")
			So(msgs[len(msgs)-1].Msg.InitType, ShouldEqual, uint8(InitRestart))
		})

		Convey("Restart kills it first", func() {
			r.k.IgnoreTerm["netdrv"] = true
			req := NewRequest(OpRestart, "netdrv")
			r.do(req)
			_, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(hasSignal(r.k.Proc(pid), int(syscall.SIGKILL)), ShouldBeTrue)
			So(slot.Pid(), ShouldNotEqual, pid)
		})

		Convey("A refresh of a busy service is refused", func() {
			r.k.IgnoreTerm["netdrv"] = true
			r.do(NewRequest(OpRefresh, "netdrv"))
			req := NewRequest(OpRefresh, "netdrv")
			r.do(req)
			rep, _ := replyOf(req)
			So(errors.Is(rep.Err, ErrBadState), ShouldBeTrue)
		})

		Convey("A refresh that cannot run the binary is answered", func() {
			delete(r.images, "/sbin/netdrv")
			req := NewRequest(OpRefresh, "netdrv")
			r.do(req)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(KindOf(rep.Err), ShouldEqual, ImageError)
			So(slot.State(), ShouldEqual, StateCrashed)
			So(slot.Image(), ShouldBeNil)
			So(r.s.Images().Len(), ShouldEqual, 0)

			Convey("And the service is refreshed again once it recovers", func() {
				r.images["/sbin/netdrv"] = testImages()["/sbin/netdrv"]
				r.tick(1)
				So(slot.State(), ShouldEqual, StateRunning)
				r.send(slot.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)

				req := NewRequest(OpRefresh, "netdrv")
				r.do(req)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(rep.Err, ShouldBeNil)
				So(rep.Endpoint, ShouldEqual, slot.Endpoint())
			})
		})

		Convey("A refresh whose privileges fail leaves the slot as it was", func() {
			send := slot.Privs().SendTo.Clone()
			r.k.FailPrivs["netdrv"] = syscall.EPERM
			req := NewRequest(OpRefresh, "netdrv")
			r.do(req)
			rep, _ := replyOf(req)
			So(KindOf(rep.Err), ShouldEqual, SyscallFailed)
			So(slot.Pid(), ShouldEqual, 0)
			So(slot.Image(), ShouldBeNil)
			So(r.s.Images().Refs("/sbin/netdrv"), ShouldEqual, 0)
			So(slot.Privs().SendTo, ShouldResemble, send)
		})

		Convey("Down overrides a refresh in progress", func() {
			r.k.IgnoreTerm["netdrv"] = true
			refresh := NewRequest(OpRefresh, "netdrv")
			r.do(refresh)
			down := NewRequest(OpDown, "netdrv")
			r.do(down)
			rep, ok := replyOf(refresh)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldNotBeNil)

			r.tick(3)
			rep, ok = replyOf(down)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
		})

		Convey("Cleanup takes exactly two calls", func() {
			id := slot.ID()
			r.s.CleanupService(slot)
			So(slot.State(), ShouldEqual, StatePendingFree)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
			So(reg.LookupByPid(pid), ShouldBeNil)
			So(slot.History(), ShouldNotBeEmpty)
			So(reg.NumFree(), ShouldEqual, 7)
			So(r.s.Images().Len(), ShouldEqual, 1)

			r.s.CleanupService(slot)
			So(reg.Get(id), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 8)
			So(r.s.Images().Len(), ShouldEqual, 0)

			So(func() { r.s.CleanupService(slot) }, ShouldPanic)

			// The kill is reported after the slot is gone.
			r.k.Pump(r.s)
			So(reg.NumFree(), ShouldEqual, 8)
		})

		Convey("Detach lets go without killing", func() {
			r.s.DetachService(slot)
			So(r.s.Lookup("netdrv"), ShouldBeNil)
			So(reg.NumFree(), ShouldEqual, 8)
			p := r.k.Proc(pid)
			So(p.Dead, ShouldBeFalse)
			So(p.Signals, ShouldBeEmpty)

			// Its later death is not ours.
			r.k.Crash(pid, 0)
			r.k.Pump(r.s)
			So(reg.NumFree(), ShouldEqual, 8)
		})

		Convey("Edit changes privileges in place", func() {
			cfg := svc("netdrv", "/sbin/netdrv")
			cfg.Priority = 5
			cfg.Calls = []string{"KILL", "DEVIO"}
			cfg.Devices = []DevNr{9}
			req := NewRequest(OpEdit, "netdrv")
			req.Start = cfg
			r.do(req)
			rep, _ := replyOf(req)
			So(rep.Err, ShouldBeNil)
			So(slot.Pid(), ShouldEqual, pid)

			p := r.k.Proc(pid)
			So(p.Sched.Priority, ShouldEqual, 5)
			So(p.Privs.Calls.Names(), ShouldResemble, []string{"KILL", "DEVIO"})
			So(reg.LookupByDevNr(9), ShouldEqual, slot)

			Convey("A scheduling failure keeps the old settings", func() {
				r.k.FailSched["netdrv"] = syscall.EINVAL
				cfg := svc("netdrv", "/sbin/netdrv")
				cfg.Priority = 7
				cfg.Calls = []string{"KILL"}
				req := NewRequest(OpEdit, "netdrv")
				req.Start = cfg
				r.do(req)
				rep, _ := replyOf(req)
				So(KindOf(rep.Err), ShouldEqual, SyscallFailed)
				So(slot.Config().Priority, ShouldEqual, 5)
				So(slot.Privs().Calls.Names(), ShouldResemble, []string{"KILL", "DEVIO"})
				So(p.Privs.Calls.Names(), ShouldResemble, []string{"KILL", "DEVIO"})
				So(p.Sched.Priority, ShouldEqual, 5)
			})

			Convey("But not the binary", func() {
				req := NewRequest(OpEdit, "netdrv")
				req.Start = svc("netdrv", "/sbin/netdrv2")
				r.do(req)
				rep, _ := replyOf(req)
				So(KindOf(rep.Err), ShouldEqual, ConfigInvalid)
				So(slot.Config().Path, ShouldEqual, "/sbin/netdrv")
				So(slot.Config().Priority, ShouldEqual, 5)
			})
		})
	})
}

func TestPeerPrivileges(t *testing.T) {
	Convey("Given a service that talks to a driver", t, func() {
		r := newRig(t, testConfig())
		vfs, _ := r.up(&StartConfig{Label: "vfs", Path: "/sbin/vfs", IPC: []string{"netdrv"}})
		So(vfs, ShouldNotBeNil)
		So(vfs.Privs().SendTo.Sorted(), ShouldResemble, []Endpoint{SupervisorEndpoint})

		Convey("Starting the driver grants access to it", func() {
			net, _ := r.up(svc("netdrv", "/sbin/netdrv"))
			So(vfs.Privs().SendTo.Has(net.Endpoint()), ShouldBeTrue)
			So(r.k.Proc(vfs.Pid()).Privs.SendTo.Has(net.Endpoint()), ShouldBeTrue)

			Convey("And its death revokes it", func() {
				ep := net.Endpoint()
				r.crash(net, 1)
				So(vfs.Privs().SendTo.Has(ep), ShouldBeFalse)

				Convey("Until it is restarted", func() {
					r.tick(1)
					So(net.State(), ShouldEqual, StateRunning)
					So(vfs.Privs().SendTo.Has(net.Endpoint()), ShouldBeTrue)
				})
			})
		})

		Convey("A service may send to everyone", func() {
			net, _ := r.up(svc("netdrv", "/sbin/netdrv"))
			pm, _ := r.up(&StartConfig{Label: "pm", Path: "/sbin/pm", IPC: []string{"ALL"}})
			So(pm.Privs().AllIPC, ShouldBeTrue)
			So(pm.Privs().SendTo.Has(net.Endpoint()), ShouldBeTrue)
			So(pm.Privs().SendTo.Has(vfs.Endpoint()), ShouldBeTrue)

			other, _ := r.up(svc("other", "/sbin/netdrv2"))
			So(pm.Privs().SendTo.Has(other.Endpoint()), ShouldBeTrue)
			So(vfs.Privs().SendTo.Has(other.Endpoint()), ShouldBeFalse)
		})
	})
}
