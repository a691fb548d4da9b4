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
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is the BLAKE3-256 hash of an executable image.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex digits, enough for display.
func (d Digest) Short() string {
	return d.String()[:12]
}

// ExecImage is the immutable in-memory copy of an executable.
type ExecImage struct {
	path   string
	data   []byte
	digest Digest
	refs   int
}

func (i *ExecImage) Path() string   { return i.path }
func (i *ExecImage) Len() int       { return len(i.data) }
func (i *ExecImage) Digest() Digest { return i.digest }
func (i *ExecImage) Refs() int      { return i.refs }

// Bytes returns the image contents.  Callers must not modify them.
func (i *ExecImage) Bytes() []byte { return i.data }

// ImageSource reads executables from storage.
type ImageSource interface {
	ReadFile(path string) ([]byte, error)
}

// FileSource reads images from the local filesystem.
type FileSource struct{}

func (FileSource) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

var imageMagic = [][]byte{
	[]byte("\x7fELF"),
	[]byte("#!"),
	{0xcf, 0xfa, 0xed, 0xfe}, // Mach-O 64
}

func checkImage(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty image", ErrImageCorrupt)
	}
	for _, m := range imageMagic {
		if bytes.HasPrefix(b, m) {
			return nil
		}
	}
	return fmt.Errorf("%w: not an executable", ErrImageCorrupt)
}

// ImageCache holds the images referenced by slots, keyed by content.
// Two paths with the same bytes share one image.
type ImageCache struct {
	src    ImageSource
	images map[Digest]*ExecImage
	reads  int
}

// NewImageCache returns a cache reading from src.
func NewImageCache(src ImageSource) *ImageCache {
	if src == nil {
		src = FileSource{}
	}
	return &ImageCache{src: src, images: make(map[Digest]*ExecImage)}
}

// ReadExec loads path and returns a new reference to its image.
func (c *ImageCache) ReadExec(path string) (*ExecImage, error) {
	c.reads++
	b, err := c.src.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: ImageError, Reason: path, Err: ErrImageNotFound}
		}
		return nil, &Error{Kind: ImageError, Reason: path, Err: err}
	}
	if err := checkImage(b); err != nil {
		return nil, &Error{Kind: ImageError, Reason: path, Err: err}
	}
	d := Digest(blake3.Sum256(b))
	if img, ok := c.images[d]; ok {
		img.refs++
		return img, nil
	}
	img := &ExecImage{path: path, data: b, digest: d, refs: 1}
	c.images[d] = img
	return img, nil
}

// ShareExec makes dst reference the image of src without touching
// storage.  Any image dst held before is released.
func (c *ImageCache) ShareExec(src, dst *Slot) error {
	if src.image == nil {
		return &Error{Kind: ImageError, Label: src.label,
			Reason: "no image to share", Err: ErrImageNotFound}
	}
	if dst.image == src.image {
		return nil
	}
	c.FreeExec(dst)
	src.image.refs++
	dst.image = src.image
	return nil
}

// Attach gives a slot an image reference obtained from ReadExec,
// releasing whatever it held.
func (c *ImageCache) Attach(s *Slot, img *ExecImage) {
	if s.image == img {
		// ReadExec handed out an extra reference.
		c.release(img)
		return
	}
	c.FreeExec(s)
	s.image = img
}

// FreeExec drops the slot's reference.  The bytes are released with the
// last reference.
func (c *ImageCache) FreeExec(s *Slot) {
	if s.image == nil {
		return
	}
	c.release(s.image)
	s.image = nil
}

func (c *ImageCache) release(img *ExecImage) {
	img.refs--
	if img.refs <= 0 {
		img.refs = 0
		delete(c.images, img.digest)
		img.data = nil
	}
}

// Lookup returns the cached image with the digest.
func (c *ImageCache) Lookup(d Digest) *ExecImage {
	return c.images[d]
}

// Refs returns the total references held on images loaded from path.
func (c *ImageCache) Refs(path string) int {
	n := 0
	for _, img := range c.images {
		if img.path == path {
			n += img.refs
		}
	}
	return n
}

// Len returns the number of distinct images held.
func (c *ImageCache) Len() int {
	return len(c.images)
}

// Reads returns how many times storage has been read.
func (c *ImageCache) Reads() int {
	return c.reads
}
