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
	"context"
	"io"
	"log"
	"os"
	"sort"
	"time"
)

// Supervisor owns every slot, image and update transaction.  All of
// its state is touched only by the goroutine running Run (or by a test
// calling Handle directly), so none of it is locked.
type Supervisor struct {
	cfg    Config
	kernel Kernel
	reg    *Registry
	images *ImageCache
	chain  []*Txn
	ticks  uint64
	outbox []outMsg

	requests chan *Request
	quit     chan struct{}
	shutdown bool
	done     bool
	idleReqs []*Request

	logger     *log.Logger
	log        *Log
	mlog       *MultiLogger
	createTime time.Time
}

// NewSupervisor returns a supervisor using the kernel k, reading images
// from src.  A nil src reads from the local filesystem.
func NewSupervisor(cfg Config, k Kernel, src ImageSource) *Supervisor {
	cfg.setDefaults()
	s := &Supervisor{
		cfg:        cfg,
		kernel:     k,
		reg:        NewRegistry(cfg.MaxSlots),
		images:     NewImageCache(src),
		requests:   make(chan *Request),
		quit:       make(chan struct{}),
		createTime: time.Now(),
	}
	s.mlog = NewMultiLogger()
	s.log = NewLog()
	s.mlog.AddLogger(log.New(s.log, "", 0))
	s.logger = log.New(os.Stderr, "", log.LstdFlags)
	s.mlog.AddLogger(s.logger)
	s.updateGauges()
	return s
}

// Name returns the configured name of the supervisor.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Registry gives access to the slot registry.  It must only be used
// from the supervisor goroutine.
func (s *Supervisor) Registry() *Registry {
	return s.reg
}

// Images gives access to the image cache, with the same restriction as
// Registry.
func (s *Supervisor) Images() *ImageCache {
	return s.images
}

// Ticks returns the supervisor clock.
func (s *Supervisor) Ticks() uint64 {
	return s.ticks
}

// Done is true once a shutdown has finished.
func (s *Supervisor) Done() bool {
	return s.done
}

// SetLogger replaces the console logger.
func (s *Supervisor) SetLogger(l *log.Logger) {
	if s.logger != nil {
		s.mlog.DelLogger(s.logger)
	}
	s.logger = l
	if l != nil {
		s.mlog.AddLogger(l)
	}
}

// SetLogWriter sends console logging to w.
func (s *Supervisor) SetLogWriter(w io.Writer) {
	s.SetLogger(log.New(w, "", log.LstdFlags))
}

// GetLog returns the records logged since lastid.  It is safe to call
// from any goroutine.
func (s *Supervisor) GetLog(lastid int64) ([]LogRecord, int64) {
	return s.log.GetRecords(lastid)
}

// WatchLog waits for the log to move past old.
func (s *Supervisor) WatchLog(old int64, expire time.Duration) int64 {
	return s.log.Watch(old, expire)
}

func (s *Supervisor) logf(format string, v ...interface{}) {
	s.mlog.Logger().Printf(format, v...)
}

// Handle processes one event to completion.  Replies produced while
// handling it are delivered at the end.
func (s *Supervisor) Handle(ev Event) {
	switch e := ev.(type) {
	case *ExitEvent:
		s.DoSigchld(e.Pid, e.Status)
	case *MessageEvent:
		s.DoMessage(e.From, e.Msg)
	case TickEvent:
		s.DoPeriod()
	case *Request:
		s.dispatch(e)
	}
	if !s.shutdown {
		s.StartUpdatePrepareNext()
	}
	s.IdlePeriod()
	s.updateGauges()
	s.flushReplies()
}

// Run is the supervisor loop.  It returns when ctx is done, or when a
// shutdown request has been carried out.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.quit)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	events := s.kernel.Events()
	s.logf("*** Supervisor starting: %s ***", s.cfg.Name)
	for !s.done {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.Handle(ev)
		case req := <-s.requests:
			s.Handle(req)
		case <-ticker.C:
			s.Handle(TickEvent{})
		}
	}
	return nil
}

// Call submits a request to the running supervisor and waits for its
// reply.  The reply's error is also returned.
func (s *Supervisor) Call(ctx context.Context, req *Request) (Reply, error) {
	if req.reply == nil {
		req.reply = make(chan Reply, 1)
	}
	select {
	case s.requests <- req:
	case <-s.quit:
		return Reply{}, ErrShuttingDown
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, rep.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Lookup returns the live slot for label.
func (s *Supervisor) Lookup(label string) *Slot {
	return s.reg.LookupByLabel(label)
}

// Slots returns a snapshot of every allocated slot, live or pending
// free, ordered by label.
func (s *Supervisor) Slots() []SlotInfo {
	var rv []SlotInfo
	for i := range s.reg.slots {
		slot := &s.reg.slots[i]
		if slot.state != StateEmpty {
			rv = append(rv, slot.Info())
		}
	}
	sort.SliceStable(rv, func(i, j int) bool { return rv[i].Label < rv[j].Label })
	return rv
}

// Status summarizes the supervisor.
func (s *Supervisor) Status() *SysStatus {
	st := &SysStatus{
		Name:       s.cfg.Name,
		Ticks:      s.ticks,
		SlotsInUse: s.reg.Len() - s.reg.NumFree(),
		SlotsFree:  s.reg.NumFree(),
		Images:     s.images.Len(),
		Idle:       s.IsIdle(),
		Shutdown:   s.shutdown,
	}
	for _, t := range s.chain {
		st.Chain = append(st.Chain, t.String())
	}
	return st
}
