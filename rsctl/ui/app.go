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

// Package ui is the full screen "top" view of rsctl.
package ui

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/net/context"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

// App is the root widget.  Everything it holds is only touched from
// the application goroutine; the refresh goroutines hand results over
// with PostFunc.
type App struct {
	app       *views.Application
	view      views.View
	panel     views.Widget
	info      *InfoPanel
	help      *HelpPanel
	log       *LogPanel
	main      *MainPanel
	client    *rest.Client
	logger    *log.Logger
	err       error
	status    *rest.SysStatus
	items     []*rest.ServiceInfo
	notice    string
	noticeErr bool
	logName   string
	logLines  []string
	logErr    error
	logCancel context.CancelFunc

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(name string) {
	a.info.SetName(name)
	a.show(a.info)
}

// ShowLog shows the history of a service, or the supervisor log when
// name is empty.
func (a *App) ShowLog(name string) {
	if a.logCancel != nil {
		a.logCancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	a.logLines = nil
	a.logErr = nil
	a.logName = name
	a.logCancel = cancel
	a.log.SetName(name)
	go a.refreshLog(ctx, name)

	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

// act runs a request against the server without blocking the screen,
// and reports the outcome in the status bar.
func (a *App) act(what, name string, f func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := f(ctx)
		cancel()
		a.app.PostFunc(func() {
			if err != nil {
				a.notice = fmt.Sprintf("%s %s: %v", what, name, err)
				a.noticeErr = true
			} else {
				a.notice = fmt.Sprintf("%s %s: done", what, name)
				a.noticeErr = false
			}
			a.Logf("%s", a.notice)
			a.app.Update()
		})
	}()
}

func (a *App) RestartService(name string) {
	a.act("Restart", name, func(ctx context.Context) error {
		return a.client.Restart(ctx, name)
	})
}

func (a *App) UpdateService(name string) {
	a.act("Update", name, func(ctx context.Context) error {
		_, err := a.client.Update(ctx, name, nil)
		return err
	})
}

func (a *App) StopService(name string) {
	a.act("Stop", name, func(ctx context.Context) error {
		return a.client.Down(ctx, name)
	})
}

func (a *App) CloneService(name string) {
	a.act("Clone", name, func(ctx context.Context) error {
		_, err := a.client.Clone(ctx, name)
		return err
	})
}

// Notice returns the outcome of the last action, if any.
func (a *App) Notice() (string, bool) {
	return a.notice, a.noticeErr
}

func (a *App) Quit() {
	/* This just posts the quit event. */
	a.app.Quit()
}

func (a *App) SetLogger(logger *log.Logger) {
	a.logger = logger
	if logger != nil {
		logger.Printf("Start logger")
	}
}

func (a *App) Logf(fmt string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(fmt, v...)
	}
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) GetClient() *rest.Client {
	return a.client
}

func (a *App) GetAppName() string {
	return "rsctl top"
}

func NewApp(client *rest.Client, url string) *App {

	app := &App{}
	app.app = &views.Application{}
	app.client = client
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.main = NewMainPanel(app, url)
	app.panel = app.main

	go app.refresh()
	return app
}

func (a *App) getItems() ([]*rest.ServiceInfo, *rest.SysStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svcs, e := a.client.Services(ctx)
	if e != nil {
		return nil, nil, e
	}
	st, e := a.client.Status(ctx)
	if e != nil {
		return nil, nil, e
	}
	items := make([]*rest.ServiceInfo, 0, len(svcs))
	for i := range svcs {
		items = append(items, &svcs[i])
	}
	util.SortServices(items)
	return items, st, nil
}

// refresh keeps the app items current.
func (a *App) refresh() {
	for {
		items, st, e := a.getItems()

		a.app.PostFunc(func() {
			a.items = items
			a.status = st
			a.err = e
			a.app.Update()
		})
		if e != nil {
			time.Sleep(2 * time.Second)
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (a *App) refreshLog(ctx context.Context, name string) {
	var info *rest.LogInfo
	for {
		var lines []string
		var e error
		if name == "" {
			if info, e = a.client.WatchLog(ctx, info); e == nil && info != nil {
				for _, r := range info.Records {
					lines = append(lines, fmt.Sprintf("%s %s",
						r.Time.Format(time.StampMilli), r.Text))
				}
			}
		} else {
			lines, e = a.client.GetServiceLog(ctx, name)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.app.PostFunc(func() {
			if a.logName == name {
				a.logLines = lines
				a.logErr = e
				a.app.Update()
			}
		})
		if name != "" || e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (a *App) GetItems() ([]*rest.ServiceInfo, *rest.SysStatus, error) {
	return a.items, a.status, a.err
}

func (a *App) GetItem(name string) (*rest.ServiceInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, i := range a.items {
		if i.Label == name && util.Status(i) != "staged" {
			return i, nil
		}
	}
	return nil, errors.New("Service not found")
}

func (a *App) GetLog(name string) ([]string, error) {
	if a.logName == name {
		return a.logLines, a.logErr
	}
	return nil, nil
}

func (a *App) Run() error {
	a.Logf("Starting up user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go func() {
		// Give us periodic updates
		for {
			a.app.Update()
			time.Sleep(time.Second)
		}
	}()
	a.Logf("Starting app loop")
	return a.app.Run()
}
