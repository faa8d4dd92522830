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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/livekit/gstcore/pkg/elements"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

func runInspect(_ context.Context, c *cli.Command) error {
	r := gst.NewRegistry()
	if err := elements.Register(r); err != nil {
		return err
	}

	if c.Args().Len() == 0 {
		listFactories(os.Stdout, r)
		return nil
	}

	name := c.Args().First()
	f := r.Lookup(name)
	if f == nil {
		return errors.ErrNoSuchFactory(name)
	}
	return describeFactory(os.Stdout, f)
}

func listFactories(w io.Writer, r *gst.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range r.Factories() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Klass, f.LongName)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\nTotal count: %d elements\n", len(r.Factories()))
}

func describeFactory(w io.Writer, f *gst.ElementFactory) error {
	_, _ = fmt.Fprintf(w, "Factory Details:\n")
	_, _ = fmt.Fprintf(w, "  Rank\t\t%d\n", f.Rank)
	_, _ = fmt.Fprintf(w, "  Long-name\t%s\n", f.LongName)
	_, _ = fmt.Fprintf(w, "  Klass\t\t%s\n", f.Klass)
	_, _ = fmt.Fprintf(w, "  Description\t%s\n", f.Description)
	if f.Author != "" {
		_, _ = fmt.Fprintf(w, "  Author\t%s\n", f.Author)
	}

	_, _ = fmt.Fprintf(w, "\nPad Templates:\n")
	for _, t := range f.Templates {
		_, _ = fmt.Fprintf(w, "  %s template: '%s'\n", strings.ToUpper(t.Direction.String()), t.NameTemplate)
		_, _ = fmt.Fprintf(w, "    Availability: %s\n", t.Presence)
		_, _ = fmt.Fprintf(w, "    Capabilities:\n      %s\n", t.Caps)
	}

	e := f.Create("")
	if e == nil {
		return errors.ErrNoSuchFactory(f.Name)
	}

	_, _ = fmt.Fprintf(w, "\nElement Properties:\n")
	props := e.Properties()
	for _, spec := range props.Specs() {
		value, _ := props.Get(spec.Name)
		_, _ = fmt.Fprintf(w, "  %-20s: %s\n", spec.Name, spec.Blurb)
		_, _ = fmt.Fprintf(w, "  %-20s  %s. %s", "", flagString(spec.Flags), spec.Type)
		if spec.Flags&gst.ParamReadable != 0 {
			_, _ = fmt.Fprintf(w, ". Default: %v", value)
		}
		_, _ = fmt.Fprintln(w)
		for _, ev := range spec.Enum {
			_, _ = fmt.Fprintf(w, "  %-20s    (%d): %-12s - %s\n", "", ev.Value, ev.Nick, ev.Name)
		}
	}
	return nil
}

func flagString(flags gst.ParamFlags) string {
	var parts []string
	if flags&gst.ParamReadable != 0 {
		parts = append(parts, "readable")
	}
	if flags&gst.ParamWritable != 0 {
		parts = append(parts, "writable")
	}
	return strings.Join(parts, ", ")
}
