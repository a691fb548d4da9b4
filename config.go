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
	"fmt"
	"time"
)

// RestartPolicy bounds crash recovery.  A slot that crashes more than
// Budget times, each within WindowTicks of the previous crash, is
// disabled.  The n-th restart in such a run is delayed by
// min(BaseTicks << (n-1), CapTicks) ticks.
type RestartPolicy struct {
	Budget      int    `yaml:"budget" json:"budget"`
	BaseTicks   uint64 `yaml:"baseTicks" json:"baseTicks"`
	CapTicks    uint64 `yaml:"capTicks" json:"capTicks"`
	WindowTicks uint64 `yaml:"windowTicks" json:"windowTicks"`
}

// Delay returns the backoff for the n-th consecutive crash.
func (p RestartPolicy) Delay(n int) uint64 {
	if n < 1 {
		n = 1
	}
	d := p.BaseTicks
	for i := 1; i < n; i++ {
		if d >= p.CapTicks/2+1 {
			return p.CapTicks
		}
		d *= 2
	}
	if d > p.CapTicks {
		d = p.CapTicks
	}
	return d
}

// Config holds the supervisor-wide settings.
type Config struct {
	Name              string        `yaml:"name"`
	MaxSlots          int           `yaml:"maxSlots"`
	TickInterval      time.Duration `yaml:"tickInterval"`
	ReceiveTicks      uint64        `yaml:"receiveTicks"`
	InitTicks         uint64        `yaml:"initTicks"`
	StopTicks         uint64        `yaml:"stopTicks"`
	MaxPrepareRetries int           `yaml:"maxPrepareRetries"`
	Restart           RestartPolicy `yaml:"restart"`
	GrantableCalls    []string      `yaml:"grantableCalls"`
}

// DefaultConfig returns the settings used for any field left unset.
func DefaultConfig() Config {
	return Config{
		Name:              "rsvisor",
		MaxSlots:          64,
		TickInterval:      100 * time.Millisecond,
		ReceiveTicks:      50,
		InitTicks:         100,
		StopTicks:         30,
		MaxPrepareRetries: 3,
		Restart: RestartPolicy{
			Budget:      3,
			BaseTicks:   1,
			CapTicks:    64,
			WindowTicks: 600,
		},
		GrantableCalls: []string{"ALL"},
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = d.MaxSlots
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ReceiveTicks == 0 {
		c.ReceiveTicks = d.ReceiveTicks
	}
	if c.InitTicks == 0 {
		c.InitTicks = d.InitTicks
	}
	if c.StopTicks == 0 {
		c.StopTicks = d.StopTicks
	}
	if c.MaxPrepareRetries < 0 {
		c.MaxPrepareRetries = 0
	}
	if c.Restart.Budget == 0 {
		c.Restart.Budget = d.Restart.Budget
	} else if c.Restart.Budget < 0 {
		// Never restart.
		c.Restart.Budget = 0
	}
	if c.Restart.BaseTicks == 0 {
		c.Restart.BaseTicks = d.Restart.BaseTicks
	}
	if c.Restart.CapTicks < c.Restart.BaseTicks {
		c.Restart.CapTicks = c.Restart.BaseTicks
	}
	if c.Restart.WindowTicks == 0 {
		c.Restart.WindowTicks = d.Restart.WindowTicks
	}
	if c.GrantableCalls == nil {
		c.GrantableCalls = d.GrantableCalls
	}
}

// DevNr is a device number owned by a driver.
type DevNr uint32

// StartConfig describes how to create a service.  It is what a service
// description file decodes into, and it is kept on the slot so that the
// service can be recreated after a crash.
type StartConfig struct {
	Label      string   `yaml:"label" json:"label"`
	Path       string   `yaml:"path" json:"path"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env        []string `yaml:"env,omitempty" json:"env,omitempty"`
	Domain     string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Priority   int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Quantum    int      `yaml:"quantum,omitempty" json:"quantum,omitempty"`
	Scheduler  string   `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`
	Calls      []string `yaml:"calls,omitempty" json:"calls,omitempty"`
	IPC        []string `yaml:"ipc,omitempty" json:"ipc,omitempty"`
	Devices    []DevNr  `yaml:"devices,omitempty" json:"devices,omitempty"`
	Period     uint64   `yaml:"period,omitempty" json:"period,omitempty"`
	UseCopy    bool     `yaml:"useCopy,omitempty" json:"useCopy,omitempty"`
	UseReplica bool     `yaml:"useReplica,omitempty" json:"useReplica,omitempty"`
	NoRestart  bool     `yaml:"noRestart,omitempty" json:"noRestart,omitempty"`
}

// MaxPriority is the lowest scheduling priority (highest number).
const MaxPriority = 15

func validLabel(s string) bool {
	if len(s) == 0 || len(s) > 16 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// Validate checks the parts of a StartConfig that do not depend on the
// state of the supervisor.
func (c *StartConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: missing configuration", ErrBadConfig)
	}
	if !validLabel(c.Label) {
		return fmt.Errorf("%w: bad label %q", ErrBadConfig, c.Label)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: %s: no path", ErrBadConfig, c.Label)
	}
	if c.Priority < 0 || c.Priority > MaxPriority {
		return fmt.Errorf("%w: %s: priority %d out of range",
			ErrBadConfig, c.Label, c.Priority)
	}
	if c.Quantum < 0 {
		return fmt.Errorf("%w: %s: negative quantum", ErrBadConfig, c.Label)
	}
	seen := make(map[DevNr]bool)
	for _, d := range c.Devices {
		if seen[d] {
			return fmt.Errorf("%w: %s: device %d listed twice",
				ErrBadConfig, c.Label, d)
		}
		seen[d] = true
	}
	return nil
}

// Clone returns a deep copy.
func (c *StartConfig) Clone() *StartConfig {
	n := *c
	n.Args = append([]string(nil), c.Args...)
	n.Env = append([]string(nil), c.Env...)
	n.Calls = append([]string(nil), c.Calls...)
	n.IPC = append([]string(nil), c.IPC...)
	n.Devices = append([]DevNr(nil), c.Devices...)
	return &n
}

// Argv returns the argument vector, including argv[0].
func (c *StartConfig) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

func (c *StartConfig) defaults() DefaultFlags {
	var d DefaultFlags
	if c.UseCopy {
		d |= DefUseCopy
	}
	if c.UseReplica {
		d |= DefUseReplica
	}
	if c.NoRestart {
		d |= DefNoRestart
	}
	return d
}

// UpdateRequest describes a live update of a running service.  Empty
// Path and nil Args keep the current values.
type UpdateRequest struct {
	Path      string   `json:"path,omitempty"`
	Args      []string `json:"args,omitempty"`
	State     int      `json:"state,omitempty"`
	Flags     TxnFlags `json:"flags,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`

	// NoWait answers the request once the update is admitted, instead
	// of when it ends.
	NoWait bool `json:"noWait,omitempty"`
}

func (u *UpdateRequest) target(cur *StartConfig) *StartConfig {
	cfg := cur.Clone()
	if u == nil {
		return cfg
	}
	if u.Path != "" {
		cfg.Path = u.Path
	}
	if u.Args != nil {
		cfg.Args = append([]string(nil), u.Args...)
	}
	return cfg
}
