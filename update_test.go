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

func TestLiveUpdate(t *testing.T) {
	Convey("Given a running netdrv", t, func() {
		r := newRig(t, testConfig())
		reg := r.s.Registry()
		images := r.s.Images()
		src, rep := r.up(svc("netdrv", "/sbin/netdrv"))
		So(rep.Err, ShouldBeNil)
		srcPid, srcEp := src.Pid(), src.Endpoint()

		Convey("An update with a prepare handshake walks every state", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			So(len(r.s.Chain()), ShouldEqual, 1)
			txn := r.s.Chain()[0]
			So(txn.State, ShouldEqual, TxnPreparing)
			So(src.Has(FlagUpdating), ShouldBeTrue)
			So(countSent(r.k, "netdrv", rpc.TypeLUPrepare), ShouldEqual, 1)

			dst := reg.Get(txn.Dst())
			So(dst, ShouldNotBeNil)
			So(dst.Has(FlagClone), ShouldBeTrue)
			So(dst.Pid(), ShouldEqual, 0)
			So(dst.Privs().Covers(src.Privs()), ShouldBeTrue)
			So(images.Refs("/sbin/netdrv2"), ShouldEqual, 1)
			So(r.s.Lookup("netdrv"), ShouldEqual, src)

			r.send(srcEp, rpc.TypeUpdReady, rpc.ResultOK)
			So(txn.State, ShouldEqual, TxnCommitting)
			So(dst.Pid(), ShouldNotEqual, 0)
			So(dst.Has(FlagInitPending), ShouldBeTrue)
			So(r.s.Lookup("netdrv"), ShouldEqual, src)
			msgs := r.k.Sent("netdrv")
			So(msgs[len(msgs)-1].To, ShouldEqual, dst.Endpoint())
			So(msgs[len(msgs)-1].Msg.InitType, ShouldEqual, uint8(InitLiveUpdate))

			Convey("A destination that never gets ready is rolled back", func() {
				dstID := dst.ID()
				r.tick(4)
				_, ok := replyOf(req)
				So(ok, ShouldBeFalse)
				r.tick(1)

				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(errors.Is(rep.Err, ErrTimeout), ShouldBeTrue)
				So(txn.State, ShouldEqual, TxnRolledBack)
				So(txn.Err(), ShouldNotBeNil)

				So(r.s.Lookup("netdrv"), ShouldEqual, src)
				So(src.State(), ShouldEqual, StateRunning)
				So(src.Pid(), ShouldEqual, srcPid)
				So(src.Endpoint(), ShouldEqual, srcEp)
				So(src.Has(FlagUpdating), ShouldBeFalse)
				So(src.Txn(), ShouldBeNil)
				So(src.Config().Path, ShouldEqual, "/sbin/netdrv")

				So(reg.Get(dstID), ShouldBeNil)
				So(images.Refs("/sbin/netdrv2"), ShouldEqual, 0)
				So(images.Refs("/sbin/netdrv"), ShouldEqual, 1)
				So(r.s.Chain(), ShouldBeEmpty)
				So(reg.NumFree(), ShouldEqual, 7)
				So(r.k.Live(), ShouldEqual, 1)
			})

			Convey("A destination that gets ready takes over", func() {
				dstPid := dst.Pid()
				r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)

				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(rep.Err, ShouldBeNil)
				So(rep.Endpoint, ShouldEqual, srcEp)
				So(rep.Txn, ShouldEqual, txn.ID.String())
				So(txn.State, ShouldEqual, TxnDone)

				next := r.s.Lookup("netdrv")
				So(next, ShouldEqual, dst)
				So(next.Pid(), ShouldEqual, dstPid)
				So(next.Endpoint(), ShouldEqual, srcEp)
				So(next.Has(FlagClone), ShouldBeFalse)
				So(next.Has(FlagUpdating), ShouldBeFalse)
				So(next.State(), ShouldEqual, StateRunning)
				So(next.Config().Path, ShouldEqual, "/sbin/netdrv2")
				So(reg.LookupByEndpoint(srcEp), ShouldEqual, next)

				So(r.k.ProcByEndpoint(srcEp).Pid, ShouldEqual, dstPid)
				So(r.k.Proc(srcPid).Dead, ShouldBeTrue)
				So(images.Refs("/sbin/netdrv"), ShouldEqual, 0)
				So(images.Refs("/sbin/netdrv2"), ShouldEqual, 1)
				So(reg.NumFree(), ShouldEqual, 7)
				So(r.s.Chain(), ShouldBeEmpty)
			})

			Convey("A destination that fails to initialize is rolled back", func() {
				r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultFailed)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(r.s.Lookup("netdrv"), ShouldEqual, src)
				So(src.Endpoint(), ShouldEqual, srcEp)
				So(images.Refs("/sbin/netdrv2"), ShouldEqual, 0)
			})

			Convey("A destination that dies is rolled back", func() {
				r.crash(dst, 1)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(errors.Is(rep.Err, ErrCrashDetected), ShouldBeTrue)
				So(src.State(), ShouldEqual, StateRunning)
				So(r.s.Lookup("netdrv"), ShouldEqual, src)
				So(src.Restarts(), ShouldEqual, 0)
			})

			Convey("A failed endpoint swap is rolled back", func() {
				r.k.FailSwap = syscall.EPERM
				r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
				rep, _ := replyOf(req)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(errors.Is(rep.Err, ErrSyscall), ShouldBeTrue)
				So(r.s.Lookup("netdrv"), ShouldEqual, src)
				So(r.k.ProcByEndpoint(srcEp).Pid, ShouldEqual, srcPid)
			})
		})

		Convey("An update without a handshake starts at once", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2"})
			So(countSent(r.k, "netdrv", rpc.TypeLUPrepare), ShouldEqual, 0)
			txn := r.s.Chain()[0]
			So(txn.State, ShouldEqual, TxnCommitting)

			dst := reg.Get(txn.Dst())
			r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			rep, _ := replyOf(req)
			So(rep.Err, ShouldBeNil)
			So(r.s.Lookup("netdrv").Endpoint(), ShouldEqual, srcEp)
		})

		Convey("A source that does not answer the prepare is rolled back", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			dstID := r.s.Chain()[0].Dst()
			r.tick(5)
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(errors.Is(rep.Err, ErrTimeout), ShouldBeTrue)
			So(reg.Get(dstID), ShouldBeNil)
			So(images.Refs("/sbin/netdrv2"), ShouldEqual, 0)
			So(src.Has(FlagUpdating), ShouldBeFalse)
		})

		Convey("A source that is busy is asked again, up to a limit", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			for i := 0; i < 3; i++ {
				r.send(srcEp, rpc.TypeUpdReady, rpc.ResultAgain)
				_, ok := replyOf(req)
				So(ok, ShouldBeFalse)
			}
			So(countSent(r.k, "netdrv", rpc.TypeLUPrepare), ShouldEqual, 4)

			Convey("And then given up on", func() {
				r.send(srcEp, rpc.TypeUpdReady, rpc.ResultAgain)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			})

			Convey("Or committed once it is ready", func() {
				r.send(srcEp, rpc.TypeUpdReady, rpc.ResultOK)
				So(r.s.Chain()[0].State, ShouldEqual, TxnCommitting)
			})
		})

		Convey("A source that refuses aborts the update", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			r.send(srcEp, rpc.TypeUpdReady, rpc.ResultFailed)
			rep, _ := replyOf(req)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
		})

		Convey("A NoCrash source that dies aborts the update and is recovered", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1,
				Flags: TxnNoCrash})
			r.crash(src, 3)
			rep, _ := replyOf(req)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(src.State(), ShouldEqual, StateCrashed)
			So(r.s.Lookup("netdrv"), ShouldEqual, src)
			So(images.Refs("/sbin/netdrv2"), ShouldEqual, 0)

			r.tick(1)
			So(src.State(), ShouldEqual, StateRunning)
			So(src.Restarts(), ShouldEqual, 1)
		})

		Convey("A source that dies while preparing is replaced by the destination", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			txn := r.s.Chain()[0]
			dst := reg.Get(txn.Dst())
			r.crash(src, 3)

			_, ok := replyOf(req)
			So(ok, ShouldBeFalse)
			So(txn.State, ShouldEqual, TxnCommitting)
			So(src.State(), ShouldEqual, StateCrashed)
			So(src.Pid(), ShouldEqual, 0)
			So(dst.Pid(), ShouldNotEqual, 0)
			So(r.s.IsIdle(), ShouldBeFalse)

			// The dead source is not restarted behind the update.
			r.tick(2)
			So(src.State(), ShouldEqual, StateCrashed)
			So(src.Restarts(), ShouldEqual, 0)

			Convey("And takes over once ready", func() {
				r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(rep.Err, ShouldBeNil)
				So(rep.Endpoint, ShouldEqual, dst.Endpoint())
				So(txn.State, ShouldEqual, TxnDone)
				So(r.s.Lookup("netdrv"), ShouldEqual, dst)
				So(dst.Has(FlagClone), ShouldBeFalse)
				So(dst.Config().Path, ShouldEqual, "/sbin/netdrv2")
				So(images.Refs("/sbin/netdrv"), ShouldEqual, 0)
				So(reg.NumFree(), ShouldEqual, 7)
				So(r.s.IsIdle(), ShouldBeTrue)
			})

			Convey("Or, if it fails, the source is recovered", func() {
				r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultFailed)
				rep, _ := replyOf(req)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(r.s.Lookup("netdrv"), ShouldEqual, src)
				So(src.State(), ShouldEqual, StateCrashed)
				So(images.Refs("/sbin/netdrv2"), ShouldEqual, 0)

				r.tick(1)
				So(src.State(), ShouldEqual, StateRunning)
				So(src.Restarts(), ShouldEqual, 1)
				So(src.Config().Path, ShouldEqual, "/sbin/netdrv")
			})
		})

		Convey("A source that dies while committing is replaced by the destination", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			txn := r.s.Chain()[0]
			r.send(srcEp, rpc.TypeUpdReady, rpc.ResultOK)
			dst := reg.Get(txn.Dst())
			dstEp := dst.Endpoint()
			r.crash(src, 3)
			So(txn.State, ShouldEqual, TxnCommitting)

			r.send(dstEp, rpc.TypeInitReady, rpc.ResultOK)
			rep, _ := replyOf(req)
			So(rep.Err, ShouldBeNil)
			So(r.s.Lookup("netdrv"), ShouldEqual, dst)
			So(reg.LookupByEndpoint(dstEp), ShouldEqual, dst)
			So(reg.LookupByEndpoint(srcEp), ShouldBeNil)
		})

		Convey("A NoCrash source that dies while committing aborts the update", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1,
				Flags: TxnNoCrash})
			txn := r.s.Chain()[0]
			r.send(srcEp, rpc.TypeUpdReady, rpc.ResultOK)
			dstID := txn.Dst()
			r.crash(src, 3)
			rep, _ := replyOf(req)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(errors.Is(rep.Err, ErrCrashDetected), ShouldBeTrue)
			So(reg.Get(dstID), ShouldBeNil)
			So(r.s.Lookup("netdrv"), ShouldEqual, src)
		})

		Convey("StartUpdate commits only a prepared update", func() {
			So(r.s.StartUpdate(), ShouldBeNil)
			r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			txn := r.s.Chain()[0]
			So(r.s.StartUpdate(), ShouldBeNil)
			So(txn.State, ShouldEqual, TxnPreparing)

			txn.State = TxnPrepared
			So(r.s.StartUpdate(), ShouldBeNil)
			So(txn.State, ShouldEqual, TxnCommitting)
			So(reg.Get(txn.Dst()).Pid(), ShouldNotEqual, 0)
		})

		Convey("EndUpdate ends the update in flight", func() {
			So(r.s.EndUpdate(nil, true), ShouldBeNil)
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			txn := r.s.Chain()[0]

			Convey("Rolling back with an error", func() {
				So(r.s.EndUpdate(abortError("netdrv", "operator", nil), true), ShouldEqual, txn)
				r.tick(1)
				rep, ok := replyOf(req)
				So(ok, ShouldBeTrue)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(txn.State, ShouldEqual, TxnRolledBack)
				So(r.s.Lookup("netdrv"), ShouldEqual, src)
			})

			Convey("Refusing success before the destination took over", func() {
				r.s.EndUpdate(nil, true)
				r.tick(1)
				rep, _ := replyOf(req)
				So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
				So(errors.Is(rep.Err, ErrBadState), ShouldBeTrue)
			})

			Convey("Without a reply when asked", func() {
				r.s.EndUpdate(abortError("netdrv", "operator", nil), false)
				r.tick(1)
				_, ok := replyOf(req)
				So(ok, ShouldBeFalse)
				So(r.s.Chain(), ShouldBeEmpty)
			})
		})

		Convey("A second update of the same service is refused", func() {
			r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(errors.Is(rep.Err, ErrUpdateInProgress), ShouldBeTrue)
			So(len(r.s.Chain()), ShouldEqual, 1)
		})

		Convey("Updates of unknown services are refused", func() {
			req := r.update("nosuch", nil)
			rep, _ := replyOf(req)
			So(errors.Is(rep.Err, ErrNoSuchService), ShouldBeTrue)
		})

		Convey("Updates to missing images are refused", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/nosuch"})
			rep, _ := replyOf(req)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(errors.Is(rep.Err, ErrImageNotFound), ShouldBeTrue)
			So(reg.NumFree(), ShouldEqual, 7)
			So(r.s.Lookup("netdrv"), ShouldEqual, src)
		})

		Convey("The running image can be reused", func() {
			req := r.update("netdrv", &UpdateRequest{Flags: TxnShareExec})
			So(images.Reads(), ShouldEqual, 1)
			So(images.Refs("/sbin/netdrv"), ShouldEqual, 2)
			dst := reg.Get(r.s.Chain()[0].Dst())
			r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			rep, _ := replyOf(req)
			So(rep.Err, ShouldBeNil)
			So(images.Refs("/sbin/netdrv"), ShouldEqual, 1)
		})

		Convey("State is handed to the destination when asked", func() {
			r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 7,
				Flags: TxnStateTransfer})
			r.send(srcEp, rpc.TypeUpdReady, rpc.ResultOK)
			msgs := r.k.Sent("netdrv")
			last := msgs[len(msgs)-1]
			So(last.Msg.Type, ShouldEqual, rpc.TypeInit)
			So(last.Msg.State, ShouldEqual, 7)
		})

		Convey("A no-wait update is answered at once", func() {
			req := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", NoWait: true})
			rep, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(rep.Err, ShouldBeNil)
			So(rep.Txn, ShouldEqual, r.s.Chain()[0].ID.String())

			dst := reg.Get(r.s.Chain()[0].Dst())
			r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			_, ok = replyOf(req)
			So(ok, ShouldBeFalse)
			So(r.s.Lookup("netdrv"), ShouldEqual, dst)
		})

		Convey("Sysctl abort rolls everything back", func() {
			upd := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			req := NewRequest(OpSysctl, "")
			req.Sysctl = SysctlAbort
			r.do(req)
			rep, _ := replyOf(req)
			So(rep.Err, ShouldBeNil)
			So(rep.Status.Chain, ShouldBeEmpty)
			rep, _ = replyOf(upd)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(src.Has(FlagUpdating), ShouldBeFalse)
		})

		Convey("Stopping the source aborts its update", func() {
			upd := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			r.do(NewRequest(OpDown, "netdrv"))
			rep, _ := replyOf(upd)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(reg.NumFree(), ShouldEqual, 8)
			So(images.Len(), ShouldEqual, 0)
		})
	})
}

func TestUpdateChain(t *testing.T) {
	Convey("Given three running services", t, func() {
		r := newRig(t, testConfig())
		vfs, _ := r.up(&StartConfig{Label: "vfs", Path: "/sbin/vfs", IPC: []string{"netdrv"}})
		net, _ := r.up(svc("netdrv", "/sbin/netdrv"))
		pm, _ := r.up(svc("pm", "/sbin/pm"))
		So(vfs.Privs().SendTo.Has(net.Endpoint()), ShouldBeTrue)

		Convey("Only one update is in flight at a time", func() {
			first := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			second := r.update("pm", &UpdateRequest{State: 1})
			chain := r.s.Chain()
			So(len(chain), ShouldEqual, 2)
			So(chain[0].State, ShouldEqual, TxnPreparing)
			So(chain[1].State, ShouldEqual, TxnQueued)
			So(countSent(r.k, "pm", rpc.TypeLUPrepare), ShouldEqual, 0)

			Convey("The next starts when the first ends", func() {
				r.send(net.Endpoint(), rpc.TypeUpdReady, rpc.ResultFailed)
				rep, _ := replyOf(first)
				So(rep.Err, ShouldNotBeNil)
				_, ok := replyOf(second)
				So(ok, ShouldBeFalse)
				So(chain[1].State, ShouldEqual, TxnPreparing)
				So(countSent(r.k, "pm", rpc.TypeLUPrepare), ShouldEqual, 1)
			})
		})

		Convey("Dependents of a failed update are aborted", func() {
			first := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			// vfs talks to netdrv, pm says it depends on it.
			second := r.update("vfs", &UpdateRequest{State: 1})
			third := r.update("pm", &UpdateRequest{State: 1, DependsOn: []string{"netdrv"}})
			r.tick(5)

			rep, _ := replyOf(first)
			So(errors.Is(rep.Err, ErrTimeout), ShouldBeTrue)
			rep, _ = replyOf(second)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			rep, _ = replyOf(third)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			So(r.s.Chain(), ShouldBeEmpty)
			So(pm.Has(FlagUpdating), ShouldBeFalse)
			So(vfs.Has(FlagUpdating), ShouldBeFalse)
		})

		Convey("Dependents of a good update follow it", func() {
			first := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2"})
			second := r.update("pm", &UpdateRequest{DependsOn: []string{"netdrv"}})
			So(r.s.Chain()[1].State, ShouldEqual, TxnQueued)

			dst := r.s.Registry().Get(r.s.Chain()[0].Dst())
			r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			rep, _ := replyOf(first)
			So(rep.Err, ShouldBeNil)
			So(r.s.Chain()[0].State, ShouldEqual, TxnCommitting)

			dst = r.s.Registry().Get(r.s.Chain()[0].Dst())
			r.send(dst.Endpoint(), rpc.TypeInitReady, rpc.ResultOK)
			rep, _ = replyOf(second)
			So(rep.Err, ShouldBeNil)
			So(r.s.Chain(), ShouldBeEmpty)
		})

		Convey("Peers can reach the destination before it takes over", func() {
			r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2"})
			dst := r.s.Registry().Get(r.s.Chain()[0].Dst())
			So(vfs.Privs().SendTo.Has(dst.Endpoint()), ShouldBeTrue)
			So(r.k.Proc(vfs.Pid()).Privs.SendTo.Has(dst.Endpoint()), ShouldBeTrue)
			So(pm.Privs().SendTo.Has(dst.Endpoint()), ShouldBeFalse)
		})

		Convey("Shutdown aborts pending updates", func() {
			upd := r.update("netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			req := NewRequest(OpShutdown, "")
			r.do(req)
			rep, _ := replyOf(upd)
			So(KindOf(rep.Err), ShouldEqual, UpdateAborted)
			_, ok := replyOf(req)
			So(ok, ShouldBeTrue)
			So(r.k.Live(), ShouldEqual, 0)
		})
	})
}
