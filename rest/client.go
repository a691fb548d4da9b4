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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/net/context"
)

// LogInfo is a snapshot of the supervisor log, tagged so that it can be
// watched for changes.
type LogInfo struct {
	etag    string
	Records []LogRecord
}

type Client struct {
	user      string // HTTP Basic-Auth
	pass      string
	base      string // URI to root of tree on server
	auth      bool
	client    *http.Client
	transport *http.Transport

	log  *LogInfo // cached
	lock sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	if name == "" {
		return c.base + "/services"
	}
	return c.base + "/services/" + url.PathEscape(name)
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}, hdr http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, e := json.Marshal(body)
		if e != nil {
			return nil, e
		}
		rd = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, method, url, rd)
	if e != nil {
		return nil, e
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	return c.client.Do(req)
}

// decodeError turns a failed response into an *Error, using the body
// when the server sent one.
func decodeError(res *http.Response) error {
	e := &Error{}
	if b, err := io.ReadAll(res.Body); err == nil && json.Unmarshal(b, e) == nil && e.Message != "" {
		e.Code = res.StatusCode
		return e
	}
	return &Error{Code: res.StatusCode, Message: res.Status}
}

func (c *Client) call(ctx context.Context, method, url string, body, v interface{}) error {
	res, e := c.do(ctx, method, url, body, nil)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return decodeError(res)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	hdr := http.Header{}
	if etag != "" {
		hdr.Set("If-None-Match", etag)
		if wait > 0 {
			hdr.Set(PollEtagHeader, etag)
			hdr.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.do(ctx, "GET", url, nil, hdr)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", decodeError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

// Services returns every allocated slot, ordered by label.
func (c *Client) Services(ctx context.Context) ([]ServiceInfo, error) {
	var v []ServiceInfo
	if e := c.call(ctx, "GET", c.url(""), nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// GetService returns the live slot for name.
func (c *Client) GetService(ctx context.Context, name string) (*ServiceInfo, error) {
	v := &ServiceInfo{}
	if e := c.call(ctx, "GET", c.url(name), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// GetServiceLog returns the history kept for a service.
func (c *Client) GetServiceLog(ctx context.Context, name string) ([]string, error) {
	var v []string
	if e := c.call(ctx, "GET", c.url(name)+"/log", nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Up starts a service, and returns once it has initialized.
func (c *Client) Up(ctx context.Context, cfg *StartConfig) (*Result, error) {
	v := &Result{}
	if e := c.call(ctx, "POST", c.url(""), cfg, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Edit changes the privileges or scheduling of a running service.
func (c *Client) Edit(ctx context.Context, cfg *StartConfig) error {
	return c.call(ctx, "PUT", c.url(cfg.Label), cfg, nil)
}

// Update live updates a service.  A nil u restarts the same binary
// through the update protocol.
func (c *Client) Update(ctx context.Context, name string, u *UpdateRequest) (*Result, error) {
	if u == nil {
		u = &UpdateRequest{}
	}
	v := &Result{}
	if e := c.call(ctx, "POST", c.url(name)+"/update", u, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) postService(ctx context.Context, name string, action string) (*Result, error) {
	v := &Result{}
	if e := c.call(ctx, "POST", c.url(name)+"/"+action, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Down(ctx context.Context, name string) error {
	_, e := c.postService(ctx, name, "down")
	return e
}

func (c *Client) Refresh(ctx context.Context, name string) error {
	_, e := c.postService(ctx, name, "refresh")
	return e
}

func (c *Client) Restart(ctx context.Context, name string) error {
	_, e := c.postService(ctx, name, "restart")
	return e
}

// Clone starts a replica, returning its endpoint.
func (c *Client) Clone(ctx context.Context, name string) (*Result, error) {
	return c.postService(ctx, name, "clone")
}

func (c *Client) Unclone(ctx context.Context, name string) error {
	_, e := c.postService(ctx, name, "unclone")
	return e
}

// InjectFault crashes a service on purpose.
func (c *Client) InjectFault(ctx context.Context, name string) error {
	_, e := c.postService(ctx, name, "fi")
	return e
}

// Status returns the supervisor summary.
func (c *Client) Status(ctx context.Context) (*SysStatus, error) {
	v := &SysStatus{}
	if e := c.call(ctx, "GET", c.base+"/status", nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Sysctl runs a supervisor control operation, such as "abort".
func (c *Client) Sysctl(ctx context.Context, op string) (*SysStatus, error) {
	v := &SysStatus{}
	if e := c.call(ctx, "POST", c.base+"/sysctl/"+url.PathEscape(op), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Shutdown stops every service and then the supervisor.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, "POST", c.base+"/shutdown", nil, nil)
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	v := &LogInfo{}

	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
		if cached != nil {
			otag = cached.etag
		}
	} else if cached != nil && last.etag != cached.etag {
		// We already hold something newer than the caller.
		return cached, nil
	} else {
		otag = last.etag
	}

	etag, e := c.poll(ctx, c.base+"/log", otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" || etag == otag {
		if cached != nil {
			return cached, nil
		}
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()
	return v, nil
}

// GetLog returns the supervisor log, using the cached copy when the
// server reports no change.
func (c *Client) GetLog(ctx context.Context) (*LogInfo, error) {
	return c.pollLog(ctx, 0, nil)
}

// WatchLog waits for the log to move past last.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	// Let the poll wait for up to 300 secs (5 minutes).
	return c.pollLog(ctx, MaxPollTime, last)
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		transport: t,
		base:      baseURI,
		client:    &http.Client{Transport: t},
	}
}
