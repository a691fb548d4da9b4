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

package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gdamore/rsvisor/rest"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		info   rest.ServiceInfo
		status string
		class  Class
	}{
		{rest.ServiceInfo{State: "Running"}, "running", Good},
		{rest.ServiceInfo{State: "Running", Txn: "abc"}, "updating", Warn},
		{rest.ServiceInfo{State: "Running", Flags: "Clone|Replica"}, "replica", Good},
		{rest.ServiceInfo{State: "Initializing", Flags: "Clone|Updating"}, "starting", Warn},
		{rest.ServiceInfo{State: "Running", Flags: "Clone|Updating"}, "staged", Warn},
		{rest.ServiceInfo{State: "CrashedAwaitingRestart"}, "crashed", Failed},
		{rest.ServiceInfo{State: "Terminating", Flags: "Exiting"}, "stopping", Warn},
		{rest.ServiceInfo{State: "PendingFree"}, "released", Normal},
		{rest.ServiceInfo{State: "Empty"}, "empty", Normal},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, Status(&c.info), c.info.State)
		assert.Equal(t, c.class, ClassOf(&c.info), c.info.State)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00:00", FormatDuration(0))
	assert.Equal(t, "1:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "26:00:59", FormatDuration(26*time.Hour+59*time.Second+time.Millisecond))
}

func TestSortServices(t *testing.T) {
	items := []*rest.ServiceInfo{
		{Index: 0, Label: "vfs", State: "Running"},
		{Index: 3, Label: "netdrv", State: "Running", Flags: "Clone|Replica"},
		{Index: 1, Label: "netdrv", State: "Running"},
		{Index: 2, Label: "pm", State: "CrashedAwaitingRestart"},
	}
	SortServices(items)
	var got []int
	for _, i := range items {
		got = append(got, i.Index)
	}
	assert.Equal(t, []int{2, 1, 3, 0}, got)
}
