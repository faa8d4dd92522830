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
	"bufio"
	"os"
	"sync"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var fileSinkTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
}

var fileSinkFactory = &gst.ElementFactory{
	Name:        "filesink",
	LongName:    "File Sink",
	Klass:       "Sink/File",
	Description: "Write stream to a file",
	Author:      "LiveKit",
	Rank:        gst.RankPrimary,
	Templates:   fileSinkTemplates,
	New:         func(name string) gst.Element { return NewFileSink(name) },
}

// FileSink writes every buffer to a file, flushing on EOS.
type FileSink struct {
	base.Sink

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func NewFileSink(name string) *FileSink {
	s := &FileSink{}
	s.InitSink(s, s, name, fileSinkTemplates...)
	s.Properties().Install(
		&gst.ParamSpec{
			Name: "location", Blurb: "Location of the file to write",
			Type: gst.ParamString, Default: "", MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "append", Blurb: "Append to an already existing file",
			Type: gst.ParamBool, Default: false, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "buffer-size", Blurb: "Size of buffer in number of bytes for line or full buffer-mode",
			Type: gst.ParamUint64, Default: uint64(64 * 1024),
		},
	)
	_ = s.SetProperty("sync", false)
	return s
}

func (s *FileSink) Start() error {
	location := s.Properties().GetString("location")
	if location == "" {
		return errors.ErrInvalidPropertyValue("location", "", "no file name specified for writing")
	}

	flags := os.O_WRONLY | os.O_CREATE
	if s.Properties().GetBool("append") {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(location, flags, 0644)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.file = f
	s.writer = bufio.NewWriterSize(f, int(s.Properties().GetUint64("buffer-size")))
	s.mu.Unlock()
	return nil
}

func (s *FileSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}

	errs := &errors.ErrArray{}
	errs.Check(s.writer.Flush())
	errs.Check(s.file.Close())
	s.file = nil
	s.writer = nil
	return errs.ToError()
}

func (s *FileSink) Render(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return gst.FlowFlushing
	}
	if _, err := s.writer.Write(buf.Bytes()); err != nil {
		s.PostError(errors.ResourceError, errors.ResourceWrite, "error while writing to file", err.Error())
		return gst.FlowError
	}
	return gst.FlowOK
}

// Event flushes buffered data to disk on EOS. The default handling then
// posts the EOS message.
func (s *FileSink) Event(ev *gst.Event) (bool, bool) {
	if ev.Type == gst.EventEOS {
		s.mu.Lock()
		if s.writer != nil {
			if err := s.writer.Flush(); err != nil {
				s.mu.Unlock()
				s.PostError(errors.ResourceError, errors.ResourceWrite, "error while writing to file", err.Error())
				return true, false
			}
		}
		s.mu.Unlock()
	}
	return false, false
}
