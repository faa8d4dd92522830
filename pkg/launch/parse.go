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

package launch

import (
	"fmt"
	"strings"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
	"github.com/livekit/protocol/logger"
)

var pipelineCount atomic.Uint32

type elementDesc struct {
	factory string
	name    string
	props   [][2]string
	pos     int
}

// endpoint is one side of a link: either an element declared in the
// description or a reference to one by name.
type endpoint struct {
	elem *elementDesc
	ref  string
	pad  string
	pos  int
}

func (e *endpoint) String() string {
	name := e.ref
	if e.elem != nil {
		name = e.elem.name
		if name == "" {
			name = e.elem.factory
		}
	}
	if e.pad != "" {
		return fmt.Sprintf("%s.%s", name, e.pad)
	}
	return name
}

type linkDesc struct {
	src    *endpoint
	sink   *endpoint
	filter *caps.Caps
}

// Option changes how a description is built.
type Option func(*options)

type options struct {
	setup func(gst.Element) error
}

// WithElementSetup runs fn on every element right after it is created,
// before the properties of the description are applied.
func WithElementSetup(fn func(gst.Element) error) Option {
	return func(o *options) {
		o.setup = fn
	}
}

type description struct {
	elements []*elementDesc
	links    []*linkDesc
}

// Parse builds a pipeline from a description such as
//
//	fakesrc num-buffers=10 ! queue ! fakesink
//
// Elements are linked with !. Words of the form key=value set properties on
// the element before them, with name= naming it so that it can be referred
// to later as name. or name.pad. Caps between two links filter that link.
// Links from pads that do not exist yet are completed when the pad appears.
func Parse(r *gst.Registry, desc string, opts ...Option) (*gst.Pipeline, error) {
	if r == nil {
		r = gst.DefaultRegistry()
	}
	if strings.TrimSpace(desc) == "" {
		return nil, errors.ErrEmptyPipeline
	}

	d, err := parseDescription(desc)
	if err != nil {
		return nil, err
	}
	if len(d.elements) == 0 {
		return nil, errors.ErrNoPipeline
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return build(r, d, o)
}

// ParseDefault is Parse on the default registry.
func ParseDefault(desc string, opts ...Option) (*gst.Pipeline, error) {
	return Parse(nil, desc, opts...)
}

func parseDescription(desc string) (*description, error) {
	tokens, err := tokenize(desc)
	if err != nil {
		return nil, err
	}

	d := &description{}
	var (
		current   *endpoint
		lastElem  *elementDesc
		linking   bool
		linkPos   int
		filter    *caps.Caps
		afterCaps bool
	)
	addToChain := func(ep *endpoint) {
		if linking {
			d.links = append(d.links, &linkDesc{src: current, sink: ep, filter: filter})
			linking, filter = false, nil
		}
		current = ep
	}

	for _, tok := range tokens {
		if tok.kind == tokenLink {
			switch {
			case current == nil:
				return nil, errors.ErrLaunchSyntax(tok.pos, "link without a source")
			case linking && !afterCaps:
				return nil, errors.ErrLaunchSyntax(tok.pos, "link without a sink")
			}
			linking, afterCaps, linkPos = true, false, tok.pos
			continue
		}
		if afterCaps {
			return nil, errors.ErrLaunchSyntax(tok.pos, "caps must be followed by a link")
		}

		word := tok.text
		switch {
		case isCaps(word):
			if !linking {
				return nil, errors.ErrLaunchSyntax(tok.pos, "caps outside of a link")
			}
			if filter != nil {
				return nil, errors.ErrLaunchSyntax(tok.pos, "link already has caps")
			}
			c, err := caps.Parse(word)
			if err != nil {
				return nil, errors.ErrLaunchSyntax(tok.pos, err.Error())
			}
			filter, afterCaps = c, true

		case isReference(word):
			name, pad := splitReference(word)
			addToChain(&endpoint{ref: name, pad: pad, pos: tok.pos})
			lastElem = nil

		case strings.Contains(word, "="):
			key, value, ok := splitProperty(word)
			if !ok {
				return nil, errors.ErrLaunchSyntax(tok.pos, "missing property name")
			}
			if lastElem == nil || linking {
				return nil, errors.ErrLaunchSyntax(tok.pos, fmt.Sprintf("property %s without an element", key))
			}
			if key == "name" {
				lastElem.name = value
			} else {
				lastElem.props = append(lastElem.props, [2]string{key, value})
			}

		default:
			e := &elementDesc{factory: word, pos: tok.pos}
			d.elements = append(d.elements, e)
			addToChain(&endpoint{elem: e, pos: tok.pos})
			lastElem = e
		}
	}

	if linking {
		return nil, errors.ErrLaunchSyntax(linkPos, "link without a sink")
	}
	if afterCaps {
		return nil, errors.ErrLaunchSyntax(len(desc), "caps must be followed by a link")
	}
	return d, nil
}

func build(r *gst.Registry, d *description, o *options) (*gst.Pipeline, error) {
	p := gst.NewPipeline(fmt.Sprintf("pipeline%d", pipelineCount.Inc()-1))
	byDesc := make(map[*elementDesc]gst.Element, len(d.elements))

	for _, ed := range d.elements {
		e, err := r.Make(ed.factory, ed.name)
		if err != nil {
			return nil, err
		}
		if o.setup != nil {
			if err = o.setup(e); err != nil {
				return nil, err
			}
		}
		for _, prop := range ed.props {
			if err = e.SetPropertyFromString(prop[0], prop[1]); err != nil {
				return nil, err
			}
		}
		if err = p.Add(e); err != nil {
			return nil, err
		}
		byDesc[ed] = e
	}

	resolve := func(ep *endpoint) (gst.Element, error) {
		if ep.elem != nil {
			return byDesc[ep.elem], nil
		}
		e := p.GetByName(ep.ref)
		if e == nil {
			return nil, errors.ErrNoSuchElement(ep.ref)
		}
		return e, nil
	}

	for _, l := range d.links {
		src, err := resolve(l.src)
		if err != nil {
			return nil, err
		}
		sink, err := resolve(l.sink)
		if err != nil {
			return nil, err
		}
		if err = gst.LinkWhenAvailable(src, l.src.pad, sink, l.sink.pad, l.filter); err != nil {
			logger.Debugw("link failed", "src", l.src.String(), "sink", l.sink.String(), "error", err)
			return nil, errors.ErrLinkFailed(l.src.String(), l.sink.String())
		}
	}

	logger.Debugw("parsed pipeline", "pipeline", p.Name(), "elements", len(d.elements), "links", len(d.links))
	return p, nil
}
