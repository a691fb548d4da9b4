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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/gdamore/rsvisor"
)

// Options adjust a Handler.  The zero value serves without
// authentication or rate limiting.
type Options struct {
	// User and PasswordHash enable HTTP basic authentication.  The hash
	// is a bcrypt hash.
	User         string
	PasswordHash []byte

	// Rate and Burst limit requests that change state.
	Rate  rate.Limit
	Burst int

	// Timeout bounds the wait for the supervisor to answer.
	Timeout time.Duration
}

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s       *rsvisor.Supervisor
	r       *mux.Router
	opts    Options
	limiter *rate.Limiter
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// StatusOf maps a supervisor error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, rsvisor.ErrNoSuchService):
		return http.StatusNotFound
	case errors.Is(err, rsvisor.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, rsvisor.ErrUpdateInProgress), errors.Is(err, rsvisor.ErrBadState):
		return http.StatusConflict
	case errors.Is(err, rsvisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch rsvisor.KindOf(err) {
	case rsvisor.ConfigInvalid:
		return http.StatusBadRequest
	case rsvisor.ImageError:
		return http.StatusUnprocessableEntity
	case rsvisor.PrivilegeDenied:
		return http.StatusForbidden
	case rsvisor.ResourceExhausted:
		return http.StatusServiceUnavailable
	case rsvisor.Timeout:
		return http.StatusGatewayTimeout
	case rsvisor.UpdateAborted:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func toError(err error) *Error {
	e := &Error{Code: StatusOf(err), Message: err.Error()}
	if k := rsvisor.KindOf(err); k != rsvisor.KindOther {
		e.Kind = k.String()
	}
	return e
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request, req *rsvisor.Request) (rsvisor.Reply, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.Timeout)
	defer cancel()
	rep, err := h.s.Call(ctx, req)
	if err != nil {
		h.writeError(w, toError(err))
		return rep, false
	}
	return rep, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, &Error{Code: http.StatusBadRequest, Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	if rep, ok := h.call(w, r, rsvisor.NewRequest(rsvisor.OpGetSysInfo, "")); ok {
		info := rep.Info
		if info == nil {
			info = []ServiceInfo{}
		}
		h.writeJson(w, info)
	}
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if rep, ok := h.call(w, r, rsvisor.NewRequest(rsvisor.OpLookup, name)); ok {
		if len(rep.Info) == 0 {
			h.writeError(w, &Error{Code: http.StatusNotFound, Message: "Service not found"})
			return
		}
		h.writeJson(w, rep.Info[0])
	}
}

func (h *Handler) getServiceLog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if rep, ok := h.call(w, r, rsvisor.NewRequest(rsvisor.OpLookup, name)); ok {
		lines := []string{}
		if len(rep.Info) != 0 && rep.Info[0].History != nil {
			lines = rep.Info[0].History
		}
		h.writeJson(w, lines)
	}
}

func (h *Handler) upService(w http.ResponseWriter, r *http.Request) {
	cfg := &StartConfig{}
	if !h.decode(w, r, cfg) {
		return
	}
	req := rsvisor.NewRequest(rsvisor.OpUp, cfg.Label)
	req.Start = cfg
	if rep, ok := h.call(w, r, req); ok {
		h.writeJson(w, &Result{Endpoint: int32(rep.Endpoint)})
	}
}

func (h *Handler) editService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	cfg := &StartConfig{}
	if !h.decode(w, r, cfg) {
		return
	}
	if cfg.Label == "" {
		cfg.Label = name
	}
	req := rsvisor.NewRequest(rsvisor.OpEdit, name)
	req.Start = cfg
	if _, done := h.call(w, r, req); done {
		h.writeJson(w, ok)
	}
}

func (h *Handler) updateService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	u := &UpdateRequest{}
	if r.ContentLength != 0 && !h.decode(w, r, u) {
		return
	}
	req := rsvisor.NewRequest(rsvisor.OpUpdate, name)
	req.Update = u
	if rep, ok := h.call(w, r, req); ok {
		h.writeJson(w, &Result{Endpoint: int32(rep.Endpoint), Txn: rep.Txn})
	}
}

// serviceOp handles the requests that need nothing but the label.
func (h *Handler) serviceOp(op rsvisor.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["service"]
		if rep, ok := h.call(w, r, rsvisor.NewRequest(op, name)); ok {
			h.writeJson(w, &Result{Endpoint: int32(rep.Endpoint)})
		}
	}
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	req := rsvisor.NewRequest(rsvisor.OpSysctl, "")
	req.Sysctl = rsvisor.SysctlStatus
	if rep, ok := h.call(w, r, req); ok {
		h.writeJson(w, rep.Status)
	}
}

func (h *Handler) sysctl(w http.ResponseWriter, r *http.Request) {
	req := rsvisor.NewRequest(rsvisor.OpSysctl, "")
	req.Sysctl = mux.Vars(r)["op"]
	if rep, ok := h.call(w, r, req); ok {
		h.writeJson(w, rep.Status)
	}
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	if _, done := h.call(w, r, rsvisor.NewRequest(rsvisor.OpShutdown, "")); done {
		h.writeJson(w, ok)
	}
}

// getLog serves the supervisor log.  The etag is the id of the newest
// record; a client holding it may ask to wait for something newer.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	last, _ := strconv.ParseInt(r.Header.Get("If-None-Match"), 10, 64)
	if tag := r.Header.Get(PollEtagHeader); tag != "" {
		secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
		if secs > MaxPollTime {
			secs = MaxPollTime
		}
		if id, err := strconv.ParseInt(tag, 10, 64); err == nil && secs > 0 {
			h.s.WatchLog(id, time.Duration(secs)*time.Second)
		}
	}
	recs, id := h.s.GetLog(last)
	w.Header().Set("Etag", strconv.FormatInt(id, 10))
	if recs == nil && last != 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if recs == nil {
		recs = []LogRecord{}
	}
	h.writeJson(w, recs)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, found := r.BasicAuth()
		if !found ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.opts.User)) != 1 ||
			bcrypt.CompareHashAndPassword(h.opts.PasswordHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="rsvisor"`)
			h.writeError(w, &Error{Code: http.StatusUnauthorized, Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) limit(f http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return f
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			h.writeError(w, &Error{Code: http.StatusTooManyRequests, Message: "Too many requests"})
			return
		}
		f(w, r)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns an http.Handler serving s.
func NewHandler(s *rsvisor.Supervisor, opts *Options) *Handler {
	if opts == nil {
		opts = &Options{}
	}
	h := &Handler{s: s, r: mux.NewRouter(), opts: *opts}
	if h.opts.Timeout <= 0 {
		h.opts.Timeout = 30 * time.Second
	}
	if h.opts.Rate > 0 {
		burst := h.opts.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(h.opts.Rate, burst)
	}
	r := h.r
	if h.opts.User != "" {
		r.Use(h.authenticate)
	}
	r.HandleFunc("/services", h.listServices).Methods("GET")
	r.HandleFunc("/services", h.limit(h.upService)).Methods("POST")
	r.HandleFunc("/services/{service}", h.getService).Methods("GET")
	r.HandleFunc("/services/{service}", h.limit(h.editService)).Methods("PUT")
	r.HandleFunc("/services/{service}", h.limit(h.serviceOp(rsvisor.OpDown))).Methods("DELETE")
	r.HandleFunc("/services/{service}/log", h.getServiceLog).Methods("GET")
	r.HandleFunc("/services/{service}/update", h.limit(h.updateService)).Methods("POST")
	for _, op := range []rsvisor.Op{
		rsvisor.OpDown, rsvisor.OpRefresh, rsvisor.OpRestart,
		rsvisor.OpClone, rsvisor.OpUnclone, rsvisor.OpFI,
	} {
		r.HandleFunc("/services/{service}/"+op.String(), h.limit(h.serviceOp(op))).Methods("POST")
	}
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/sysctl/{op}", h.limit(h.sysctl)).Methods("POST")
	r.HandleFunc("/shutdown", h.limit(h.shutdown)).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return h
}
