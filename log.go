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
	"strings"
	"sync"
	"time"
)

// MaxLogRecords is the size of the supervisor log ring.
const MaxLogRecords = 1000

// LogRecord is one line of the supervisor log.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent supervisor log lines in memory, so that
// they can be served to clients.  Each line gets an increasing id; the
// id of the newest line doubles as an etag for the whole log.
type Log struct {
	ring []LogRecord
	next int // total lines ever written
	id   int64
	wait *sync.Cond
	mx   sync.Mutex
}

// NewLog returns an empty Log.  Ids start at the current time in
// nanoseconds, so that a client holding an id from an earlier instance
// sees a change.
func NewLog() *Log {
	l := &Log{
		ring: make([]LogRecord, MaxLogRecords),
		id:   time.Now().UnixNano(),
	}
	l.wait = sync.NewCond(&l.mx)
	return l
}

// Write implements io.Writer for use by log.Logger.
func (l *Log) Write(b []byte) (int, error) {
	now := time.Now()
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	l.mx.Lock()
	for _, line := range lines {
		l.id++
		l.ring[l.next%len(l.ring)] = LogRecord{Id: l.id, Time: now, Text: line}
		l.next++
	}
	l.wait.Broadcast()
	l.mx.Unlock()
	return len(b), nil
}

// GetRecords returns the retained records, oldest first, and the id of
// the newest.  If nothing was logged since last, it returns nil.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	n := l.next
	if n > len(l.ring) {
		n = len(l.ring)
	}
	recs := make([]LogRecord, 0, n)
	for i := l.next - n; i < l.next; i++ {
		recs = append(recs, l.ring[i%len(l.ring)])
	}
	return recs, l.id
}

// Watch waits until something is logged after last, or until expire has
// passed, and returns the newest id.  An expire of zero polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := expire <= 0
	var timer *time.Timer
	if !expired {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			l.wait.Broadcast()
			l.mx.Unlock()
		})
		defer timer.Stop()
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	for l.id == last && !expired {
		l.wait.Wait()
	}
	return l.id
}
