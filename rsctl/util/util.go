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

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/rsvisor/rest"
)

// Class groups service states for display.
type Class int

const (
	Normal Class = iota
	Good
	Warn
	Failed
)

func has(flags, f string) bool {
	for _, n := range strings.Split(flags, "|") {
		if n == f {
			return true
		}
	}
	return false
}

// Status is a short word describing the service.
func Status(s *rest.ServiceInfo) string {
	switch {
	case s.State == "CrashedAwaitingRestart":
		return "crashed"
	case s.State == "PendingFree":
		return "released"
	case s.State == "Terminating":
		return "stopping"
	case s.State == "Initializing":
		return "starting"
	case has(s.Flags, "Replica"):
		return "replica"
	case has(s.Flags, "Clone"):
		return "staged"
	case s.Txn != "":
		return "updating"
	case s.State == "Running":
		return "running"
	}
	return strings.ToLower(s.State)
}

// ClassOf says how a service should be shown.
func ClassOf(s *rest.ServiceInfo) Class {
	switch Status(s) {
	case "crashed":
		return Failed
	case "starting", "stopping", "updating", "staged":
		return Warn
	case "running", "replica":
		return Good
	}
	return Normal
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

type sorted []*rest.ServiceInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	ca, cb := ClassOf(a), ClassOf(b)
	if (ca == Failed) != (cb == Failed) {
		// put failed items at front
		return ca == Failed
	}
	if a.Label != b.Label {
		return a.Label < b.Label
	}
	// A primary goes before its staged copies.
	return a.Index < b.Index
}

// SortServices orders services for display.
func SortServices(items []*rest.ServiceInfo) {
	sort.Stable(sorted(items))
}
