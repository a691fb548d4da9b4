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

package rpc

import (
	"errors"
	"io"
	"os"
)

// Descriptors on which a supervised process finds its channel.
const (
	InFd  = 3
	OutFd = 4
)

// Service is the service end of the channel to the supervisor.
type Service struct {
	r *Reader
	w *Writer
}

// NewService returns a Service reading requests from in and writing
// answers to out.
func NewService(in io.Reader, out io.Writer) *Service {
	return &Service{r: NewReader(in), w: NewWriter(out)}
}

// OpenService returns the channel a supervised process inherited.
func OpenService() *Service {
	return NewService(os.NewFile(InFd, "rs-in"), os.NewFile(OutFd, "rs-out"))
}

// Recv waits for the next message from the supervisor.
func (s *Service) Recv() (*Message, error) {
	return s.r.Recv()
}

// Send sends a message to the supervisor.
func (s *Service) Send(m *Message) error {
	return s.w.Send(m)
}

// Handler answers a message from the supervisor.  A nil answer sends
// nothing.
type Handler func(m *Message) *Message

// DefaultHandler reports success for every request.
func DefaultHandler(m *Message) *Message {
	switch m.Type {
	case TypeInit:
		return &Message{Type: TypeInitReady, Result: ResultOK}
	case TypeLUPrepare:
		return &Message{Type: TypeUpdReady, Result: ResultOK, State: m.State}
	case TypePing:
		return &Message{Type: TypeAlive}
	}
	return nil
}

// Serve answers messages with h until the supervisor closes the
// channel.
func (s *Service) Serve(h Handler) error {
	if h == nil {
		h = DefaultHandler
	}
	for {
		m, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if rep := h(m); rep != nil {
			if err = s.Send(rep); err != nil {
				return err
			}
		}
	}
}
