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

// Package rest exposes a supervisor over HTTP, and provides a client
// for it.
package rest

import (
	"github.com/gdamore/rsvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader ask the server to hold a GET
	// until the resource no longer matches the etag, or until the
	// number of seconds has passed.
	PollEtagHeader = "X-Rsvisor-Poll-Etag"
	PollTimeHeader = "X-Rsvisor-Poll-Time"

	// MaxPollTime bounds a long poll, in seconds.
	MaxPollTime = 300
)

var ok struct{}

type (
	ServiceInfo   = rsvisor.SlotInfo
	StartConfig   = rsvisor.StartConfig
	UpdateRequest = rsvisor.UpdateRequest
	SysStatus     = rsvisor.SysStatus
	LogRecord     = rsvisor.LogRecord
)

// Result is the answer to a request that changes a service.
type Result struct {
	Endpoint int32  `json:"endpoint,omitempty"`
	Txn      string `json:"txn,omitempty"`
}

// Error is the body of every failed request.  Kind names the error
// class, when the supervisor gave one.
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
