//go:build !noui

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
	"log"

	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/ui"
)

func doUI(client *rest.Client, url string, logger *log.Logger) error {
	app := ui.NewApp(client, url)
	app.SetLogger(logger)
	return app.Run()
}
