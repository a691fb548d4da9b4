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

//go:build unix

package rsvisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/gdamore/rsvisor/rpc"
)

// OSKernel runs services as host processes.  Each child gets two extra
// descriptors: fd 3 carries messages from the supervisor and fd 4
// carries messages back, both as CBOR encoded rpc.Message streams.
// Endpoints are allocated here, and Swap exchanges which process an
// endpoint reaches.
//
// Privileges are recorded but cannot be enforced on a host; priorities
// are applied with setpriority.
type OSKernel struct {
	logger *log.Logger
	nextEp Endpoint
	procs  map[int]*osProc
	byEp   map[Endpoint]*osProc
	events chan Event
	mx     sync.Mutex
}

type osProc struct {
	label string
	cmd   *exec.Cmd
	ep    Endpoint
	privs Privs
	sched SchedParams
	sendq chan *rpc.Message
	done  chan struct{}
}

// NewOSKernel returns a kernel that logs service output to logger.
func NewOSKernel(logger *log.Logger) *OSKernel {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &OSKernel{
		logger: logger,
		nextEp: SupervisorEndpoint + 1,
		procs:  make(map[int]*osProc),
		byEp:   make(map[Endpoint]*osProc),
		events: make(chan Event, 64),
	}
}

func (k *OSKernel) doLog(r io.ReadCloser, prefix string) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			k.logger.Print(prefix, strings.Trim(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

func (k *OSKernel) Exec(spec *ExecSpec) (Proc, error) {
	toChild, childIn, err := pipe()
	if err != nil {
		return Proc{}, err
	}
	childOut, fromChild, err := pipe()
	if err != nil {
		toChild.Close()
		childIn.Close()
		return Proc{}, err
	}

	k.mx.Lock()
	ep := k.nextEp
	k.nextEp++
	k.mx.Unlock()

	cmd := &exec.Cmd{
		Path:       spec.Path,
		Args:       spec.Argv,
		Env:        append(os.Environ(), spec.Env...),
		ExtraFiles: []*os.File{childIn, childOut},
	}
	cmd.Env = append(cmd.Env,
		"RS_LABEL="+spec.Label,
		fmt.Sprintf("RS_ENDPOINT=%d", ep))

	if stdout, e := cmd.StdoutPipe(); e != nil {
		k.logger.Printf("%s: cannot capture stdout: %v", spec.Label, e)
	} else {
		go k.doLog(stdout, spec.Label+" stdout> ")
	}
	if stderr, e := cmd.StderrPipe(); e != nil {
		k.logger.Printf("%s: cannot capture stderr: %v", spec.Label, e)
	} else {
		go k.doLog(stderr, spec.Label+" stderr> ")
	}

	err = cmd.Start()
	// The child holds its own copies now.
	childIn.Close()
	childOut.Close()
	if err != nil {
		toChild.Close()
		fromChild.Close()
		return Proc{}, err
	}

	p := &osProc{
		label: spec.Label,
		cmd:   cmd,
		ep:    ep,
		sendq: make(chan *rpc.Message, 16),
		done:  make(chan struct{}),
	}
	pid := cmd.Process.Pid
	k.mx.Lock()
	k.procs[pid] = p
	k.byEp[ep] = p
	k.mx.Unlock()

	go k.doSend(p, toChild)
	go k.doRecv(p, fromChild)
	go k.doWait(p, pid)
	return Proc{Pid: pid, Endpoint: ep}, nil
}

func pipe() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	// Parent end first.
	return w, r, nil
}

func (k *OSKernel) doSend(p *osProc, f *os.File) {
	defer f.Close()
	w := rpc.NewWriter(f)
	for {
		select {
		case m := <-p.sendq:
			if err := w.Send(m); err != nil {
				k.logger.Printf("%s: send %s: %v", p.label, m.Type, err)
			}
		case <-p.done:
			return
		}
	}
}

func (k *OSKernel) doRecv(p *osProc, f *os.File) {
	defer f.Close()
	r := rpc.NewReader(f)
	for {
		m, err := r.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				k.logger.Printf("%s: receive: %v", p.label, err)
			}
			return
		}
		k.mx.Lock()
		ep := p.ep
		k.mx.Unlock()
		k.events <- &MessageEvent{From: ep, Msg: m}
	}
}

func (k *OSKernel) doWait(p *osProc, pid int) {
	err := p.cmd.Wait()
	var st ExitStatus
	if ps := p.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal()
		} else {
			st.Code = ps.ExitCode()
		}
	} else if err != nil {
		st.Code = -1
	}
	k.mx.Lock()
	delete(k.procs, pid)
	if k.byEp[p.ep] == p {
		delete(k.byEp, p.ep)
	}
	k.mx.Unlock()
	close(p.done)
	k.events <- &ExitEvent{Pid: pid, Status: st}
}

func (k *OSKernel) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (k *OSKernel) lookup(ep Endpoint) (*osProc, error) {
	p := k.byEp[ep]
	if p == nil {
		return nil, syscall.ESRCH
	}
	return p, nil
}

func (k *OSKernel) InitPrivs(ep Endpoint, pr *Privs) error {
	return k.SetPrivs(ep, pr)
}

func (k *OSKernel) SetPrivs(ep Endpoint, pr *Privs) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	p, err := k.lookup(ep)
	if err != nil {
		return err
	}
	p.privs = pr.Clone()
	return nil
}

func (k *OSKernel) SchedInit(ep Endpoint, sp SchedParams) error {
	k.mx.Lock()
	p, err := k.lookup(ep)
	if err == nil {
		p.sched = sp
	}
	k.mx.Unlock()
	if err != nil {
		return err
	}
	if sp.Priority == 0 {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PROCESS, p.cmd.Process.Pid, sp.Priority)
}

func (k *OSKernel) Swap(a, b Endpoint) error {
	k.mx.Lock()
	defer k.mx.Unlock()
	pa, err := k.lookup(a)
	if err != nil {
		return err
	}
	pb, err := k.lookup(b)
	if err != nil {
		return err
	}
	pa.ep, pb.ep = b, a
	pa.privs, pb.privs = pb.privs, pa.privs
	k.byEp[a], k.byEp[b] = pb, pa
	return nil
}

func (k *OSKernel) AsynSend(ep Endpoint, m *rpc.Message) error {
	k.mx.Lock()
	p, err := k.lookup(ep)
	k.mx.Unlock()
	if err != nil {
		return err
	}
	select {
	case p.sendq <- m:
		return nil
	case <-p.done:
		return syscall.ESRCH
	default:
		return syscall.EAGAIN
	}
}

func (k *OSKernel) Events() <-chan Event {
	return k.events
}
