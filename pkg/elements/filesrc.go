// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package elements

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var fileSrcTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var fileSrcFactory = &gst.ElementFactory{
	Name:        "filesrc",
	LongName:    "File Source",
	Klass:       "Source/File",
	Description: "Read from arbitrary point in a file",
	Author:      "LiveKit",
	Rank:        gst.RankPrimary,
	Templates:   fileSrcTemplates,
	New:         func(name string) gst.Element { return NewFileSrc(name) },
}

// FileSrc reads a regular file. It supports random access, so downstream
// may drive it in pull mode.
type FileSrc struct {
	base.Src

	mu   sync.Mutex
	file *os.File
	size uint64
}

func NewFileSrc(name string) *FileSrc {
	s := &FileSrc{}
	s.InitSrc(s, s, name, fileSrcTemplates...)
	s.Properties().Install(&gst.ParamSpec{
		Name: "location", Blurb: "Location of the file to read",
		Type: gst.ParamString, Default: "", MutableState: gst.StateReady,
	})
	return s
}

func (s *FileSrc) URI() string {
	location := s.Properties().GetString("location")
	if location == "" {
		return ""
	}
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	return "file://" + location
}

func (s *FileSrc) Start() error {
	location := s.Properties().GetString("location")
	if location == "" {
		return errors.ErrInvalidPropertyValue("location", "", "no file name specified for reading")
	}

	f, err := os.Open(location)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if info.IsDir() {
		_ = f.Close()
		return fmt.Errorf("%s is a directory", location)
	}

	s.mu.Lock()
	s.file = f
	s.size = uint64(info.Size())
	s.mu.Unlock()
	return nil
}

func (s *FileSrc) Stop() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func (s *FileSrc) Size() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.file != nil
}

func (s *FileSrc) IsSeekable() bool {
	return true
}

func (s *FileSrc) DoSeek(*gst.Segment) bool {
	return true
}

func (s *FileSrc) Create(offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	s.mu.Lock()
	f, total := s.file, s.size
	s.mu.Unlock()

	if f == nil {
		return nil, gst.FlowFlushing
	}
	if offset >= total {
		return nil, gst.FlowEOS
	}
	if remaining := total - offset; uint64(size) > remaining {
		size = int(remaining)
	}

	data := make([]byte, size)
	n, err := f.ReadAt(data, int64(offset))
	if err != nil && err != io.EOF {
		s.PostError(errors.ResourceError, errors.ResourceRead, "could not read from file", err.Error())
		return nil, gst.FlowError
	}
	if n == 0 {
		return nil, gst.FlowEOS
	}

	buf := buffer.New(data[:n])
	buf.Offset = offset
	buf.OffsetEnd = offset + uint64(n)
	return buf, gst.FlowOK
}
