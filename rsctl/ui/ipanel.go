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
	"strings"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

// InfoPanel shows everything the supervisor reports about one slot.
type InfoPanel struct {
	text *views.TextArea
	info *rest.ServiceInfo
	name string // service name
	err  error  // last error retrieving state

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}

	i.Panel.Init(app)
	i.SetKeys([]string{"[ESC] Main", "[H] Help"})

	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(StyleNormal)
	i.SetContent(i.text)

	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	info := i.info
	app := i.app
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
			case 'L', 'l':
				if info != nil {
					app.ShowLog(info.Label)
					return true
				}
			case 'R', 'r':
				if info != nil {
					app.RestartService(info.Label)
					return true
				}
			case 'U', 'u':
				if info != nil && info.Txn == "" {
					app.UpdateService(info.Label)
					return true
				}
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

func (i *InfoPanel) SetName(name string) {
	i.name = name
	i.info = nil
	i.err = nil
}

func infoLines(s *rest.ServiceInfo) []string {
	field := func(name string, v interface{}) string {
		return fmt.Sprintf("%13s %v", name+":", v)
	}
	sendTo := make([]string, 0, len(s.SendTo))
	for _, ep := range s.SendTo {
		sendTo = append(sendTo, fmt.Sprint(ep))
	}
	lines := []string{
		field("Label", s.Label),
		field("Slot", s.Index),
		field("Endpoint", s.Endpoint),
		field("Pid", s.Pid),
		field("Status", util.Status(s)),
		field("State", s.State),
		field("Flags", s.Flags),
		field("Since", s.Stamp),
		field("Path", s.Path),
		field("Digest", s.Digest),
		field("Restarts", s.Restarts),
		field("Backoff", s.Backoff),
		field("Reason", s.Reason),
		field("Calls", strings.Join(s.Calls, " ")),
		field("Send To", strings.Join(sendTo, " ")),
	}
	if s.Txn != "" {
		lines = append(lines, field("Update", s.Txn+" "+s.TxnState))
	}
	return lines
}

func (i *InfoPanel) update() {

	s, e := i.app.GetItem(i.name)

	i.info = s
	i.err = e
	words := []string{"[ESC] Main", "[H] Help"}

	i.SetTitle("Details for " + i.name)

	if s == nil {
		if i.err != nil {
			i.ShowError("No data", i.err)
		} else {
			i.SetStatus("Loading...")
			i.SetClass(util.Normal)
		}
		i.text.SetLines(nil)
		i.SetKeys(words)
		return
	}

	i.ShowService(s)

	i.text.SetLines(infoLines(s))

	words = append(words, "[L] Log", "[R] Restart")
	if s.Txn == "" {
		words = append(words, "[U] Update")
	}
	i.SetKeys(words)
}
