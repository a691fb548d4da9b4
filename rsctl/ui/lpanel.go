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

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

// LogPanel shows either the supervisor log, or the history of one
// service.
type LogPanel struct {
	text *views.TextArea
	info *rest.ServiceInfo
	name string // service name, empty for the supervisor

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)

	p.SetKeys([]string{"[ESC] Main", "[H] Help"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(StyleNormal)
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	info := p.info
	app := p.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'I', 'i':
				if info != nil {
					app.ShowInfo(info.Label)
					return true
				}
			case 'R', 'r':
				if info != nil {
					app.RestartService(info.Label)
					return true
				}
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *LogPanel) SetName(name string) {
	p.SetTitle("Loading")
	p.text.SetLines(nil)
	p.name = name
}

func (p *LogPanel) update() {

	p.info = nil
	if p.name != "" {
		p.info, _ = p.app.GetItem(p.name)
	}
	lines, err := p.app.GetLog(p.name)

	words := []string{"[ESC] Main", "[H] Help"}

	if p.name == "" {
		p.SetTitle("Supervisor Log")
	} else {
		p.SetTitle("History of " + p.name)
	}

	switch {
	case err != nil:
		p.ShowError("No data", err)
	case lines == nil:
		p.SetStatus("Loading ...")
		p.SetClass(util.Normal)
	case p.info != nil:
		p.ShowService(p.info)
	default:
		p.SetStatus(fmt.Sprintf("%d lines", len(lines)))
		p.SetClass(util.Normal)
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	p.text.SetLines(lines)

	if p.info != nil {
		words = append(words, "[I] Info", "[R] Restart")
	}
	p.SetKeys(words)
}
