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

package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/gdamore/rsvisor"
)

type images map[string][]byte

func (m images) ReadFile(path string) ([]byte, error) {
	if b, ok := m[path]; ok {
		return b, nil
	}
	return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
}

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (int, error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

type rig struct {
	s      *rsvisor.Supervisor
	srv    *httptest.Server
	c      *Client
	cancel func()
}

func newRig(t *testing.T, opts *Options) *rig {
	k := rsvisor.NewSimKernel()
	k.AutoReady = true
	cfg := rsvisor.DefaultConfig()
	cfg.Name = "rest"
	cfg.MaxSlots = 4
	cfg.TickInterval = 10 * time.Millisecond
	s := rsvisor.NewSupervisor(cfg, k, images{
		"/sbin/netdrv":  []byte("\x7fELF netdrv 1"),
		"/sbin/netdrv2": []byte("\x7fELF netdrv 2"),
		"/sbin/bogus":   []byte("MZ"),
	})
	s.SetLogWriter(&testLog{t: t})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(NewHandler(s, opts))
	return &rig{
		s:   s,
		srv: srv,
		c:   NewClient(nil, srv.URL),
		cancel: func() {
			srv.Close()
			cancel()
			k.Close()
			<-done
		},
	}
}

func restError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func TestHandler(t *testing.T) {
	Convey("Given a supervisor served over HTTP", t, func() {
		r := newRig(t, nil)
		Reset(r.cancel)
		c := r.c
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		Reset(cancel)

		res, err := c.Up(ctx, &StartConfig{Label: "netdrv", Path: "/sbin/netdrv", Calls: []string{"DEVIO"}})
		So(err, ShouldBeNil)
		So(res.Endpoint, ShouldBeGreaterThan, 1)
		ep := res.Endpoint

		Convey("It is listed", func() {
			svcs, err := c.Services(ctx)
			So(err, ShouldBeNil)
			So(len(svcs), ShouldEqual, 1)
			So(svcs[0].Label, ShouldEqual, "netdrv")
			So(svcs[0].State, ShouldEqual, "Running")

			info, err := c.GetService(ctx, "netdrv")
			So(err, ShouldBeNil)
			So(int32(info.Endpoint), ShouldEqual, ep)
			So(info.Digest, ShouldNotBeEmpty)

			hist, err := c.GetServiceLog(ctx, "netdrv")
			So(err, ShouldBeNil)
			So(len(hist), ShouldBeGreaterThan, 0)
		})

		Convey("Unknown services are not found", func() {
			_, err := c.GetService(ctx, "nosuch")
			e := restError(err)
			So(e, ShouldNotBeNil)
			So(e.Code, ShouldEqual, http.StatusNotFound)
			So(c.Down(ctx, "nosuch"), ShouldNotBeNil)
		})

		Convey("Starting it twice is refused", func() {
			_, err := c.Up(ctx, &StartConfig{Label: "netdrv", Path: "/sbin/netdrv"})
			e := restError(err)
			So(e, ShouldNotBeNil)
			So(e.Code, ShouldEqual, http.StatusBadRequest)
			So(e.Kind, ShouldEqual, "ConfigInvalid")
		})

		Convey("Bad images are reported", func() {
			_, err := c.Up(ctx, &StartConfig{Label: "bogus", Path: "/sbin/bogus"})
			e := restError(err)
			So(e, ShouldNotBeNil)
			So(e.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(e.Kind, ShouldEqual, "ImageError")
		})

		Convey("It can be updated in place", func() {
			res, err := c.Update(ctx, "netdrv", &UpdateRequest{Path: "/sbin/netdrv2", State: 1})
			So(err, ShouldBeNil)
			So(res.Endpoint, ShouldEqual, ep)
			So(res.Txn, ShouldNotBeEmpty)

			info, err := c.GetService(ctx, "netdrv")
			So(err, ShouldBeNil)
			So(info.Path, ShouldEqual, "/sbin/netdrv2")
		})

		Convey("It can be edited", func() {
			So(c.Edit(ctx, &StartConfig{Label: "netdrv", Path: "/sbin/netdrv", Priority: 4}), ShouldBeNil)
			err := c.Edit(ctx, &StartConfig{Label: "netdrv", Path: "/sbin/other"})
			So(restError(err).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("It can be cloned", func() {
			res, err := c.Clone(ctx, "netdrv")
			So(err, ShouldBeNil)
			So(res.Endpoint, ShouldNotEqual, ep)
			_, err = c.Clone(ctx, "netdrv")
			So(restError(err).Code, ShouldEqual, http.StatusConflict)
			So(c.Unclone(ctx, "netdrv"), ShouldBeNil)
		})

		Convey("It can be restarted and stopped", func() {
			So(c.Restart(ctx, "netdrv"), ShouldBeNil)
			So(c.Refresh(ctx, "netdrv"), ShouldBeNil)
			So(c.Down(ctx, "netdrv"), ShouldBeNil)
			svcs, err := c.Services(ctx)
			So(err, ShouldBeNil)
			So(len(svcs), ShouldEqual, 0)
		})

		Convey("Faults can be injected", func() {
			So(c.InjectFault(ctx, "netdrv"), ShouldBeNil)
		})

		Convey("Status and sysctl", func() {
			st, err := c.Status(ctx)
			So(err, ShouldBeNil)
			So(st.Name, ShouldEqual, "rest")
			So(st.SlotsInUse, ShouldEqual, 1)

			st, err = c.Sysctl(ctx, "abort")
			So(err, ShouldBeNil)
			So(st.Chain, ShouldBeEmpty)

			_, err = c.Sysctl(ctx, "frob")
			So(restError(err).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Malformed bodies are refused", func() {
			req, _ := http.NewRequest("POST", r.srv.URL+"/services", strings.NewReader(`{"label": "x", "bogus": 1}`))
			res, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("The log can be fetched and watched", func() {
			li, err := c.GetLog(ctx)
			So(err, ShouldBeNil)
			So(len(li.Records), ShouldBeGreaterThan, 0)

			again, err := c.GetLog(ctx)
			So(err, ShouldBeNil)
			So(again, ShouldEqual, li)

			go func() {
				time.Sleep(50 * time.Millisecond)
				c.Down(ctx, "netdrv")
			}()
			next, err := c.WatchLog(ctx, li)
			So(err, ShouldBeNil)
			So(next, ShouldNotEqual, li)
			So(next.etag, ShouldNotEqual, li.etag)
		})

		Convey("Metrics are served", func() {
			res, err := http.Get(r.srv.URL + "/metrics")
			So(err, ShouldBeNil)
			b, _ := io.ReadAll(res.Body)
			res.Body.Close()
			So(string(b), ShouldContainSubstring, "rsvisor_slots_in_use")
		})

		Convey("Shutdown stops everything", func() {
			So(c.Shutdown(ctx), ShouldBeNil)
			_, err := c.Services(ctx)
			So(restError(err).Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestAuth(t *testing.T) {
	Convey("Given a server that wants a password", t, func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		So(err, ShouldBeNil)
		r := newRig(t, &Options{User: "admin", PasswordHash: hash})
		Reset(r.cancel)
		ctx := context.Background()

		_, err = r.c.Status(ctx)
		So(restError(err).Code, ShouldEqual, http.StatusUnauthorized)

		r.c.SetAuth("admin", "wrong")
		_, err = r.c.Status(ctx)
		So(restError(err).Code, ShouldEqual, http.StatusUnauthorized)

		r.c.SetAuth("admin", "secret")
		_, err = r.c.Status(ctx)
		So(err, ShouldBeNil)
	})
}

func TestRateLimit(t *testing.T) {
	Convey("Given a server that limits changes", t, func() {
		r := newRig(t, &Options{Rate: rate.Every(time.Hour), Burst: 2})
		Reset(r.cancel)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			err := r.c.Down(ctx, fmt.Sprintf("svc%d", i))
			So(restError(err).Code, ShouldEqual, http.StatusNotFound)
		}
		err := r.c.Down(ctx, "svc")
		So(restError(err).Code, ShouldEqual, http.StatusTooManyRequests)

		// Reading is not limited.
		_, err = r.c.Status(ctx)
		So(err, ShouldBeNil)
	})
}

func TestStatusOf(t *testing.T) {
	Convey("Errors map to HTTP status codes", t, func() {
		So(StatusOf(rsvisor.ErrNoSuchService), ShouldEqual, http.StatusNotFound)
		So(StatusOf(rsvisor.ErrUpdateInProgress), ShouldEqual, http.StatusConflict)
		So(StatusOf(&rsvisor.Error{Kind: rsvisor.ResourceExhausted, Err: rsvisor.ErrNoSlots}),
			ShouldEqual, http.StatusServiceUnavailable)
		So(StatusOf(&rsvisor.Error{Kind: rsvisor.PrivilegeDenied}), ShouldEqual, http.StatusForbidden)
		So(StatusOf(&rsvisor.Error{Kind: rsvisor.Timeout}), ShouldEqual, http.StatusGatewayTimeout)
		So(StatusOf(&rsvisor.Error{Kind: rsvisor.UpdateAborted}), ShouldEqual, http.StatusConflict)
		So(StatusOf(&rsvisor.Error{Kind: rsvisor.SyscallFailed}), ShouldEqual, http.StatusInternalServerError)
		So(StatusOf(context.DeadlineExceeded), ShouldEqual, http.StatusGatewayTimeout)
		So(StatusOf(errors.New("boom")), ShouldEqual, http.StatusInternalServerError)
	})
}
