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
	"strings"

	"github.com/livekit/gstcore/pkg/errors"
)

type tokenKind int

const (
	tokenLink tokenKind = iota
	tokenWord
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenize splits a description into words and links. Quotes group
// whitespace into a word and are removed; a backslash escapes the next
// character inside double quotes. A word ending with a comma continues
// into the next one, so caps may be written with spaces after commas.
func tokenize(desc string) ([]token, error) {
	var (
		tokens []token
		cur    strings.Builder
		start  = -1
		quote  byte
	)

	flush := func() {
		if start < 0 {
			return
		}
		tokens = append(tokens, token{kind: tokenWord, text: cur.String(), pos: start})
		cur.Reset()
		start = -1
	}

	for i := 0; i < len(desc); i++ {
		c := desc[i]

		if quote != 0 {
			switch {
			case c == quote:
				quote = 0
			case c == '\\' && quote == '"' && i+1 < len(desc):
				i++
				cur.WriteByte(desc[i])
			default:
				cur.WriteByte(c)
			}
			continue
		}

		switch c {
		case ' ', '\t', '\r', '\n':
			if start >= 0 && strings.HasSuffix(cur.String(), ",") {
				continue
			}
			flush()
		case '!':
			flush()
			tokens = append(tokens, token{kind: tokenLink, text: "!", pos: i})
		case '"', '\'':
			if start < 0 {
				start = i
			}
			quote = c
		default:
			if start < 0 {
				start = i
			}
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, errors.ErrLaunchSyntax(len(desc), "unterminated quote")
	}
	flush()
	return tokens, nil
}

// isCaps reports whether a word is caps shorthand such as
// audio/x-raw,rate=48000. The media type before the first field holds a
// slash, which property assignments never have on their left side.
func isCaps(word string) bool {
	head := word
	if i := strings.IndexAny(word, ",="); i >= 0 {
		head = word[:i]
	}
	return strings.Contains(head, "/")
}

// isReference reports whether a word names an element declared with
// name=, as in t. or t.src_0.
func isReference(word string) bool {
	if isCaps(word) || strings.Contains(word, "=") {
		return false
	}
	i := strings.IndexByte(word, '.')
	return i > 0
}

func splitReference(word string) (string, string) {
	i := strings.IndexByte(word, '.')
	return word[:i], word[i+1:]
}

func splitProperty(word string) (string, string, bool) {
	i := strings.IndexByte(word, '=')
	if i <= 0 {
		return "", "", false
	}
	return word[:i], word[i+1:], true
}
