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
	"maps"
	"slices"
	"strings"
)

const (
	TagTitle       = "title"
	TagArtist      = "artist"
	TagContainer   = "container-format"
	TagCodec       = "codec"
	TagBitrate     = "bitrate"
	TagDuration    = "duration"
	TagComment     = "comment"
	TagApplication = "application-name"
)

type TagMergeMode int

const (
	TagMergeReplaceAll TagMergeMode = iota
	TagMergeReplace
	TagMergeAppend
	TagMergeKeep
)

type TagScope int

const (
	TagScopeStream TagScope = iota
	TagScopeGlobal
)

// TagList holds stream metadata. Each tag maps to one or more values.
type TagList struct {
	Scope TagScope
	tags  map[string][]any
}

func NewTagList(kv ...any) *TagList {
	t := &TagList{tags: make(map[string][]any)}
	for i := 0; i+1 < len(kv); i += 2 {
		t.Add(TagMergeAppend, kv[i].(string), kv[i+1])
	}
	return t
}

func (t *TagList) Add(mode TagMergeMode, tag string, value any) {
	switch mode {
	case TagMergeReplaceAll, TagMergeReplace:
		t.tags[tag] = []any{value}
	case TagMergeAppend:
		t.tags[tag] = append(t.tags[tag], value)
	case TagMergeKeep:
		if _, ok := t.tags[tag]; !ok {
			t.tags[tag] = []any{value}
		}
	}
}

func (t *TagList) Get(tag string) (any, bool) {
	v := t.tags[tag]
	if len(v) == 0 {
		return nil, false
	}
	return v[0], true
}

func (t *TagList) GetAll(tag string) []any {
	return slices.Clone(t.tags[tag])
}

func (t *TagList) GetString(tag string) (string, bool) {
	v, ok := t.Get(tag)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t *TagList) Tags() []string {
	return slices.Sorted(maps.Keys(t.tags))
}

func (t *TagList) Len() int {
	return len(t.tags)
}

func (t *TagList) Copy() *TagList {
	c := &TagList{Scope: t.Scope, tags: make(map[string][]any, len(t.tags))}
	for k, v := range t.tags {
		c.tags[k] = slices.Clone(v)
	}
	return c
}

// Merge returns a new list combining t with o according to mode, o being
// the list merged in.
func (t *TagList) Merge(o *TagList, mode TagMergeMode) *TagList {
	if mode == TagMergeReplaceAll {
		return o.Copy()
	}
	out := t.Copy()
	for k, values := range o.tags {
		switch mode {
		case TagMergeReplace:
			out.tags[k] = slices.Clone(values)
		case TagMergeAppend:
			out.tags[k] = append(out.tags[k], values...)
		case TagMergeKeep:
			if _, ok := out.tags[k]; !ok {
				out.tags[k] = slices.Clone(values)
			}
		}
	}
	return out
}

func (t *TagList) String() string {
	parts := []string{"taglist"}
	for _, k := range t.Tags() {
		for _, v := range t.tags[k] {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, ", ")
}
