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
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

// Panel is the frame shared by every screen: a title bar on top, then
// the content, a status bar and a key bar.  The status bar is colored
// by the display class of whatever the screen shows.
type Panel struct {
	tb    *TitleBar
	sb    *StatusBar
	kb    *KeyBar
	class util.Class
	once  sync.Once
	app   *App

	views.Panel
}

func (p *Panel) SetTitle(title string) {
	p.tb.SetCenter(title)
}

func (p *Panel) SetKeys(words []string) {
	p.kb.SetKeys(words)
}

func (p *Panel) SetStatus(status string) {
	p.sb.SetText(status)
}

// SetClass colors the status bar.
func (p *Panel) SetClass(c util.Class) {
	p.class = c
	p.sb.SetStyle(statusStyle(c))
}

// Class returns the class last shown.
func (p *Panel) Class() util.Class {
	return p.class
}

// ShowService puts the status of a single service in the status bar.
func (p *Panel) ShowService(s *rest.ServiceInfo) {
	p.SetStatus(util.Status(s))
	p.SetClass(util.ClassOf(s))
}

// ShowError reports a failed request to the supervisor.
func (p *Panel) ShowError(what string, err error) {
	p.SetStatus(errorText(what, err))
	p.SetClass(util.Failed)
}

// errorText explains err, pointing at the credentials flags when the
// server refused them.
func errorText(what string, err error) string {
	var e *rest.Error
	if errors.As(err, &e) && e.Code == http.StatusUnauthorized {
		return "Not authorized; try --user and --password"
	}
	return fmt.Sprintf("%s: %v", what, err)
}

func statusStyle(c util.Class) tcell.Style {
	switch c {
	case util.Good:
		return StatusBarStyleGood
	case util.Warn:
		return StatusBarStyleWarn
	case util.Failed:
		return StatusBarStyleError
	}
	return StatusBarStyleNormal
}

// summaryClass is the class of a list: any failure wins, then any
// service in transition, then any running one.
func summaryClass(failed, busy, running int) util.Class {
	switch {
	case failed > 0:
		return util.Failed
	case busy > 0:
		return util.Warn
	case running > 0:
		return util.Good
	}
	return util.Normal
}

func (p *Panel) Init(app *App) {
	p.once.Do(func() {
		p.app = app

		p.tb = NewTitleBar()
		p.tb.SetRight(app.GetAppName())
		p.tb.SetCenter(" ")

		p.kb = NewKeyBar()

		p.sb = NewStatusBar()

		p.Panel.SetTitle(p.tb)
		p.Panel.SetMenu(p.sb)
		p.Panel.SetStatus(p.kb)
	})
}

func (p *Panel) App() *App {
	return p.app
}
