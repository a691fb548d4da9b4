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

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

var (
	styleGood   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

func classStyle(c util.Class) lipgloss.Style {
	switch c {
	case util.Good:
		return styleGood
	case util.Warn:
		return styleWarn
	case util.Failed:
		return styleFailed
	}
	return styleMuted
}

// cell pads s to w columns.  Width counts printed cells, so styled
// text lines up.
func cell(st lipgloss.Style, w int, s string) string {
	return st.Width(w).Render(s)
}

func renderList(out io.Writer, items []*rest.ServiceInfo, now time.Time) {
	fmt.Fprintln(out, styleHeader.Render(strings.Join([]string{
		cell(lipgloss.NewStyle(), 17, "LABEL"),
		cell(lipgloss.NewStyle(), 6, "EP"),
		cell(lipgloss.NewStyle(), 10, "STATUS"),
		cell(lipgloss.NewStyle(), 11, "SINCE"),
		"REASON",
	}, "")))
	for _, s := range items {
		d := now.Sub(s.Stamp)
		d -= d % time.Second
		fmt.Fprintln(out, strings.Join([]string{
			cell(lipgloss.NewStyle(), 17, s.Label),
			cell(lipgloss.NewStyle(), 6, fmt.Sprint(s.Endpoint)),
			cell(classStyle(util.ClassOf(s)), 10, util.Status(s)),
			cell(lipgloss.NewStyle(), 11, util.FormatDuration(d)),
			styleMuted.Render(s.Reason),
		}, ""))
	}
}

func renderField(out io.Writer, name string, v interface{}) {
	fmt.Fprintf(out, "%s %v\n", cell(styleMuted, 12, name+":"), v)
}

func renderInfo(out io.Writer, s *rest.ServiceInfo) {
	renderField(out, "Label", s.Label)
	renderField(out, "Slot", s.Index)
	renderField(out, "Endpoint", s.Endpoint)
	renderField(out, "Pid", s.Pid)
	renderField(out, "Status", classStyle(util.ClassOf(s)).Render(util.Status(s)))
	renderField(out, "State", s.State)
	if s.Flags != "" {
		renderField(out, "Flags", s.Flags)
	}
	renderField(out, "Since", s.Stamp.Format(time.RFC3339))
	renderField(out, "Path", s.Path)
	renderField(out, "Digest", s.Digest)
	renderField(out, "Restarts", s.Restarts)
	if s.Backoff != 0 {
		renderField(out, "Backoff", s.Backoff)
	}
	if s.Reason != "" {
		renderField(out, "Reason", s.Reason)
	}
	if len(s.Calls) > 0 {
		renderField(out, "Calls", strings.Join(s.Calls, " "))
	}
	if len(s.SendTo) > 0 {
		renderField(out, "Send To", fmt.Sprint(s.SendTo))
	}
	if s.Txn != "" {
		renderField(out, "Update", s.Txn+" "+s.TxnState)
	}
}

func renderStatus(out io.Writer, st *rest.SysStatus) {
	renderField(out, "Name", st.Name)
	renderField(out, "Ticks", st.Ticks)
	renderField(out, "Slots", fmt.Sprintf("%d in use, %d free", st.SlotsInUse, st.SlotsFree))
	renderField(out, "Images", st.Images)
	switch {
	case st.Shutdown:
		renderField(out, "State", styleWarn.Render("shutting down"))
	case st.Idle:
		renderField(out, "State", styleGood.Render("idle"))
	default:
		renderField(out, "State", styleWarn.Render("busy"))
	}
	if len(st.Chain) > 0 {
		renderField(out, "Updating", strings.Join(st.Chain, " "))
	}
}

func renderOK(out io.Writer, msg string) {
	fmt.Fprintln(out, styleGood.Render("✓")+" "+msg)
}
