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

// Package rsvisor is a reincarnation supervisor: it starts, stops and
// watches the system servers and drivers of a microkernel, restarts
// them when they crash, and replaces their binaries while they run
// without changing the label or endpoint by which others reach them.
//
// Every service generation occupies a Slot in a fixed pool owned by the
// Supervisor.  A live update is a Txn that prepares a clone of the
// running slot, starts it, and swaps it in once it reports ready; any
// failure along the way rolls back to the running generation.
//
// The Supervisor is single threaded.  Kernel events, control requests
// and clock ticks are handled one at a time by Run, or by Handle when a
// test drives it directly.  The kernel itself is an interface: SimKernel
// keeps everything in memory, OSKernel runs services as host processes
// talking CBOR over a pair of pipes.
package rsvisor
