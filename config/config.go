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

// Package config loads supervisor settings and service descriptions
// from YAML files, and turns changes to a services directory into
// control requests.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gdamore/rsvisor"
)

func decode(b []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadSupervisor reads the supervisor settings.  Fields left out keep
// their defaults.
func LoadSupervisor(path string) (rsvisor.Config, error) {
	cfg := rsvisor.DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = decode(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// IsServiceFile reports whether name looks like a service description.
func IsServiceFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LabelOf returns the label a service file gets when it names none.
func LabelOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseService decodes and validates one service description.
func ParseService(b []byte, label string) (*rsvisor.StartConfig, error) {
	cfg := &rsvisor.StartConfig{}
	if err := decode(b, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", rsvisor.ErrBadConfig, err)
	}
	if cfg.Label == "" {
		cfg.Label = label
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadService reads the service description in path.
func LoadService(path string) (*rsvisor.StartConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseService(b, LabelOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadServices reads every service description in dir, ordered by
// label.  Files that fail to load are reported together; the ones that
// loaded are still returned.
func LoadServices(dir string) ([]*rsvisor.StartConfig, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var cfgs []*rsvisor.StartConfig
	var errs []error
	seen := make(map[string]string)
	for _, e := range ents {
		if e.IsDir() || !IsServiceFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, err := LoadService(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if other, ok := seen[cfg.Label]; ok {
			errs = append(errs, fmt.Errorf("%s: %w: label %s already used by %s",
				path, rsvisor.ErrBadConfig, cfg.Label, other))
			continue
		}
		seen[cfg.Label] = path
		cfgs = append(cfgs, cfg)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Label < cfgs[j].Label })
	return cfgs, errors.Join(errs...)
}

// Action is what a change to a service description asks of the
// supervisor.
type Action int

const (
	ActionNone   Action = iota
	ActionUp            // new service
	ActionUpdate        // new binary or arguments, live update
	ActionEdit          // same binary, new privileges or scheduling
	ActionDown          // description removed
)

func (a Action) String() string {
	switch a {
	case ActionUp:
		return "up"
	case ActionUpdate:
		return "update"
	case ActionEdit:
		return "edit"
	case ActionDown:
		return "down"
	}
	return "none"
}

// Classify compares the old and new description of a service.  Either
// may be nil.
func Classify(old, cur *rsvisor.StartConfig) Action {
	switch {
	case old == nil && cur == nil:
		return ActionNone
	case old == nil:
		return ActionUp
	case cur == nil:
		return ActionDown
	case old.Path != cur.Path || !reflect.DeepEqual(nilEmpty(old.Args), nilEmpty(cur.Args)):
		return ActionUpdate
	case reflect.DeepEqual(normal(old), normal(cur)):
		return ActionNone
	}
	return ActionEdit
}

func nilEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// normal returns a copy in which empty lists are nil, so that a file
// saying "args: []" matches one that says nothing.
func normal(c *rsvisor.StartConfig) *rsvisor.StartConfig {
	n := *c
	n.Args = nilEmpty(n.Args)
	n.Env = nilEmpty(n.Env)
	n.Calls = nilEmpty(n.Calls)
	n.IPC = nilEmpty(n.IPC)
	if len(n.Devices) == 0 {
		n.Devices = nil
	}
	return &n
}

// Change is one classified change to the services directory.
type Change struct {
	Action Action
	Label  string
	File   string
	Config *rsvisor.StartConfig
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s (%s)", c.Action, c.Label, filepath.Base(c.File))
}

// Request returns the control request that carries out the change, or
// nil when there is nothing to do.
func (c Change) Request() *rsvisor.Request {
	switch c.Action {
	case ActionUp:
		req := rsvisor.NewRequest(rsvisor.OpUp, c.Label)
		req.Start = c.Config
		return req
	case ActionUpdate:
		req := rsvisor.NewRequest(rsvisor.OpUpdate, c.Label)
		req.Update = &rsvisor.UpdateRequest{
			Path: c.Config.Path,
			Args: append([]string{}, c.Config.Args...),
		}
		return req
	case ActionEdit:
		req := rsvisor.NewRequest(rsvisor.OpEdit, c.Label)
		req.Start = c.Config
		return req
	case ActionDown:
		return rsvisor.NewRequest(rsvisor.OpDown, c.Label)
	}
	return nil
}
