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

package gstreamer

import (
	"fmt"
	"strings"
)

type DebugGraphDetails int

const (
	DebugGraphShowMediaType DebugGraphDetails = 1 << iota
	DebugGraphShowCapsDetails
	DebugGraphShowStates
	DebugGraphShowParams

	DebugGraphShowAll = DebugGraphShowMediaType | DebugGraphShowCapsDetails | DebugGraphShowStates | DebugGraphShowParams
)

// DebugBinToDotData renders the bin and everything below it as a graphviz
// graph.
func (b *Bin) DebugBinToDotData(details DebugGraphDetails) string {
	d := &dotWriter{details: details, ids: make(map[any]string)}
	d.line(0, "digraph pipeline {")
	d.line(1, "rankdir=LR;")
	d.line(1, "fontname=\"sans\";")
	d.line(1, "node [style=\"filled,rounded\", shape=box, fontsize=9, fontname=\"sans\"];")
	d.line(1, "edge [fontsize=8, fontname=\"monospace\"];")
	d.line(1, fmt.Sprintf("label=%q;", d.elementLabel(b)))

	d.writePads(1, b)
	d.writeChildren(1, b)
	for _, e := range d.edges {
		d.line(1, e)
	}
	d.line(0, "}")
	return d.sb.String()
}

func (p *Pipeline) DebugDot() string {
	return p.DebugBinToDotData(DebugGraphShowAll)
}

type dotWriter struct {
	sb      strings.Builder
	details DebugGraphDetails
	ids     map[any]string
	edges   []string
}

func (d *dotWriter) line(indent int, s string) {
	d.sb.WriteString(strings.Repeat("  ", indent))
	d.sb.WriteString(s)
	d.sb.WriteByte('\n')
}

func (d *dotWriter) id(v any, prefix string) string {
	if id, ok := d.ids[v]; ok {
		return id
	}
	id := fmt.Sprintf("%s_%d", prefix, len(d.ids))
	d.ids[v] = id
	return id
}

func (d *dotWriter) elementLabel(e Element) string {
	label := e.Name()
	if f := e.Factory(); f != nil {
		label = fmt.Sprintf("%s\n%s", f.Name, label)
	}
	if d.details&DebugGraphShowStates != 0 {
		eb := e.base()
		eb.objMu.Lock()
		current, pending := eb.current, eb.pending
		eb.objMu.Unlock()
		label += fmt.Sprintf("\n[%s", current)
		if pending != StateVoidPending {
			label += fmt.Sprintf(" -> %s", pending)
		}
		label += "]"
	}
	if d.details&DebugGraphShowParams != 0 {
		for _, name := range e.Properties().Names() {
			if v, err := e.GetProperty(name); err == nil {
				label += fmt.Sprintf("\n%s=%v", name, v)
			}
		}
	}
	return label
}

func (d *dotWriter) writeChildren(indent int, b *Bin) {
	for _, child := range b.Children() {
		d.line(indent, fmt.Sprintf("subgraph cluster_%s {", d.id(child, "element")))
		d.line(indent+1, fmt.Sprintf("label=%q;", d.elementLabel(child)))
		if AsBin(child) != nil {
			d.line(indent+1, "style=\"filled,rounded\"; color=black; fillcolor=\"#ffffff\";")
		} else {
			d.line(indent+1, "style=\"filled,rounded\"; color=black; fillcolor=\"#aaaaff\";")
		}
		d.writePads(indent+1, child)
		if sub := AsBin(child); sub != nil {
			d.writeChildren(indent+1, sub)
		}
		d.line(indent, "}")
	}
}

func (d *dotWriter) writePads(indent int, e Element) {
	for _, pad := range e.Pads() {
		d.writePad(indent, pad)
		if pad.proxy != nil {
			d.writePad(indent, pad.proxy)
			internal := pad.proxy
			if pad.Direction() == PadSink {
				d.edges = append(d.edges, fmt.Sprintf("%s -> %s [style=dashed];", d.id(pad, "pad"), d.id(internal, "pad")))
			} else {
				d.edges = append(d.edges, fmt.Sprintf("%s -> %s [style=dashed];", d.id(internal, "pad"), d.id(pad, "pad")))
			}
		}
	}
}

func (d *dotWriter) writePad(indent int, pad *Pad) {
	color := "#ffaaaa"
	if pad.Direction() == PadSink {
		color = "#aaaaff"
	}
	style := "filled"
	if t := pad.Template(); t != nil && t.Presence != PadAlways {
		style = "filled,dashed"
	}
	d.line(indent, fmt.Sprintf("%s [color=black, fillcolor=%q, label=%q, style=%q];",
		d.id(pad, "pad"), color, fmt.Sprintf("%s\n[%s]", pad.Name(), pad.Mode()), style))

	if pad.Direction() != PadSrc {
		return
	}
	peer := pad.Peer()
	if peer == nil {
		return
	}

	label := ""
	if d.details&(DebugGraphShowMediaType|DebugGraphShowCapsDetails) != 0 {
		if c := pad.CurrentCaps(); c != nil {
			if d.details&DebugGraphShowCapsDetails != 0 {
				label = strings.ReplaceAll(c.String(), ", ", "\n")
			} else if c.Size() > 0 {
				label = c.Structure(0).Name()
			}
		}
	}
	d.edges = append(d.edges, fmt.Sprintf("%s -> %s [label=%q];", d.id(pad, "pad"), d.id(peer, "pad"), label))
}
