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

package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

var (
	StyleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	StyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	StyleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorYellow).
			Background(tcell.ColorBlack)
	StyleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)
)

func styleOf(c util.Class) tcell.Style {
	switch c {
	case util.Good:
		return StyleGood
	case util.Warn:
		return StyleWarn
	case util.Failed:
		return StyleError
	}
	return StyleNormal
}

// MainPanel lists every slot the supervisor holds, one per line.
type MainPanel struct {
	content  *views.CellView
	selected *rest.ServiceInfo
	nfailed  int
	nrunning int
	nbusy    int
	nother   int
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []*rest.ServiceInfo

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetTitle(server)
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			m.App().ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				m.App().ShowInfo(m.selected.Label)
				return true
			}
		case tcell.KeyRune:
			sel := m.selected
			switch ev.Rune() {
			case 'Q', 'q':
				m.App().Quit()
				return true
			case 'H', 'h':
				m.App().ShowHelp()
				return true
			case 'I', 'i':
				if sel != nil {
					m.App().ShowInfo(sel.Label)
					return true
				}
			case 'L', 'l':
				if sel != nil {
					m.App().ShowLog(sel.Label)
				} else {
					m.App().ShowLog("")
				}
				return true
			case 'R', 'r':
				if sel != nil {
					m.App().RestartService(sel.Label)
					return true
				}
			case 'U', 'u':
				if sel != nil && sel.Txn == "" {
					m.App().UpdateService(sel.Label)
					return true
				}
			case 'S', 's':
				if sel != nil {
					m.App().StopService(sel.Label)
					return true
				}
			case 'C', 'c':
				if sel != nil && util.Status(sel) == "running" {
					m.App().CloneService(sel.Label)
					return true
				}
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	var ch rune
	var style tcell.Style

	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ch, StyleNormal, nil, 1
	}

	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	} else {
		ch = ' '
	}
	style = m.styles[y]
	if m.items[y] == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	y := len(m.lines)
	x := 0
	for _, l := range m.lines {
		if x < len(l) {
			x = len(l)
		}
	}
	return x, y
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	if m.curx > m.width-1 {
		m.curx = m.width - 1
	}
	if m.cury > m.height-1 {
		m.cury = m.height - 1
	}
	if m.curx < 0 {
		m.curx = 0
	}
	if m.cury < 0 {
		m.cury = 0
	}
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		m.selected = m.items[m.cury]
	} else {
		m.selected = nil
	}
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.  It runs on the application goroutine.
func (m *MainPanel) update() {

	items, st, err := m.App().GetItems()
	m.items = items

	// Slots are identified by index; a label may appear twice while
	// a clone is staged.
	if sel := m.selected; sel != nil {
		m.selected = nil
		for cury, item := range m.items {
			if item.Index == sel.Index {
				m.selected = item
				m.cury = cury
			}
		}
	}
	if err != nil {
		m.ShowError("Cannot load items", err)
		m.lines = []string{}
		m.styles = []tcell.Style{}
		m.items = nil
		m.height = 0
		return
	}

	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))

	m.nfailed = 0
	m.nrunning = 0
	m.nbusy = 0
	m.nother = 0

	m.height = 0
	m.width = 0

	for _, info := range items {
		d := time.Since(info.Stamp)
		d -= d % time.Second
		line := fmt.Sprintf("%-16s %5d %-9s %10s   %s",
			info.Label, info.Endpoint, util.Status(info),
			util.FormatDuration(d), info.Reason)

		if len(line) > m.width {
			m.width = len(line)
		}
		m.height++

		lines = append(lines, line)
		c := util.ClassOf(info)
		switch c {
		case util.Failed:
			m.nfailed++
		case util.Warn:
			m.nbusy++
		case util.Good:
			m.nrunning++
		default:
			m.nother++
		}
		styles = append(styles, styleOf(c))
	}

	m.lines = lines
	m.styles = styles

	status := fmt.Sprintf(
		"%5d Slots %5d Crashed %5d Running %5d Busy %5d Other",
		len(m.items), m.nfailed, m.nrunning, m.nbusy, m.nother)
	if st != nil {
		status += fmt.Sprintf(" %5d Free", st.SlotsFree)
		if len(st.Chain) > 0 {
			status += fmt.Sprintf("  chain: %v", st.Chain)
		}
	}
	if n, bad := m.App().Notice(); n != "" && bad {
		status = n
	}
	m.SetStatus(status)

	m.SetClass(summaryClass(m.nfailed, m.nbusy, m.nrunning))

	words := []string{"[Q] Quit", "[H] Help"}

	if item := m.selected; item != nil {
		words = append(words, "[I] Info", "[L] Log", "[R] Restart", "[S] Stop")
		if item.Txn == "" {
			words = append(words, "[U] Update")
		}
		if util.Status(item) == "running" {
			words = append(words, "[C] Clone")
		}
	} else {
		words = append(words, "[L] Log")
	}
	m.SetKeys(words)
}
