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

// Package rpc carries the messages exchanged between the supervisor and
// the services it manages.  Messages are CBOR encoded, using the core
// deterministic encoding, and are self delimiting on a stream, so that a
// pipe or socket can carry a sequence of them without extra framing.
package rpc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies the kind of a message.
type Type uint8

const (
	// Supervisor to service.
	TypeInit      Type = iota + 1 // initialize; InitType says how
	TypeLUPrepare                 // reach a safe state for live update
	TypePing                      // heartbeat request

	// Service to supervisor.
	TypeInitReady // initialization finished; Result says how
	TypeUpdReady  // live update preparation finished
	TypeAlive     // heartbeat reply
)

var typeNames = map[Type]string{
	TypeInit:      "init",
	TypeLUPrepare: "lu-prepare",
	TypePing:      "ping",
	TypeInitReady: "init-ready",
	TypeUpdReady:  "upd-ready",
	TypeAlive:     "alive",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Result codes carried in replies from services.
const (
	ResultOK     = 0
	ResultAgain  = 1 // not yet in a safe state, ask again later
	ResultFailed = 2
)

// ErrBadType is returned when a message of an unknown type is decoded.
var ErrBadType = errors.New("rpc: unknown message type")

// Message is a single supervisor/service exchange.  Integer keys keep
// the encoding compact.
type Message struct {
	Type     Type            `cbor:"1,keyasint"`
	Source   int32           `cbor:"2,keyasint,omitempty"`
	InitType uint8           `cbor:"3,keyasint,omitempty"`
	State    int             `cbor:"4,keyasint,omitempty"`
	Result   int             `cbor:"5,keyasint,omitempty"`
	Label    string          `cbor:"6,keyasint,omitempty"`
	Payload  cbor.RawMessage `cbor:"7,keyasint,omitempty"`
}

// Validate checks that the message has a known type.
func (m *Message) Validate() error {
	if _, ok := typeNames[m.Type]; !ok {
		return fmt.Errorf("%w: %d", ErrBadType, m.Type)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a message.
func Marshal(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(m)
}

// Unmarshal decodes a message.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	if err := decMode.Unmarshal(b, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Writer sends messages on a stream.  It is safe for concurrent use.
type Writer struct {
	enc *cbor.Encoder
	mx  sync.Mutex
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: encMode.NewEncoder(w)}
}

// Send writes one message.
func (w *Writer) Send(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.enc.Encode(m)
}

// Reader receives messages from a stream.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Recv reads the next message.  It returns io.EOF at a clean end of
// stream.
func (r *Reader) Recv() (*Message, error) {
	m := &Message{}
	if err := r.dec.Decode(m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
