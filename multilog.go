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

package rsvisor

import (
	"log"
	"strings"
	"sync"
)

// MultiLogger fans log lines out to several loggers.  Each destination
// keeps its own prefix and flags.  The supervisor uses one for its own
// log (console plus the in-memory Log) and one per slot (the slot's
// history plus the supervisor log).
type MultiLogger struct {
	log     *log.Logger
	loggers []*log.Logger
	mx      sync.Mutex
}

// NewMultiLogger returns a MultiLogger with no destinations.
func NewMultiLogger() *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, "", 0)
	return m
}

// Write splits b into lines and hands each to every destination.
func (m *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	m.mx.Lock()
	dests := append([]*log.Logger(nil), m.loggers...)
	m.mx.Unlock()
	for _, line := range lines {
		for _, d := range dests {
			d.Println(line)
		}
	}
	return len(b), nil
}

// AddLogger adds a destination.  Adding one twice has no effect.
func (m *MultiLogger) AddLogger(l *log.Logger) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, x := range m.loggers {
		if x == l {
			return
		}
	}
	m.loggers = append(m.loggers, l)
}

// DelLogger removes a destination.
func (m *MultiLogger) DelLogger(l *log.Logger) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for i, x := range m.loggers {
		if x == l {
			m.loggers = append(m.loggers[:i], m.loggers[i+1:]...)
			return
		}
	}
}

// Logger returns a logger writing to every destination.
func (m *MultiLogger) Logger() *log.Logger {
	return m.log
}
