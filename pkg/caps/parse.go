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

package caps

import (
	"strconv"
	"strings"

	"github.com/livekit/gstcore/pkg/errors"
)

// Parse reads the text form produced by Caps.String, e.g.
//
//	audio/x-raw, rate=(int)[ 8000, 48000 ], format=(string){ S16LE, F32LE }; video/x-raw
func Parse(s string) (*Caps, error) {
	switch strings.TrimSpace(s) {
	case "ANY":
		return NewAny(), nil
	case "EMPTY", "NONE", "":
		return NewEmpty(), nil
	}

	p := &parser{input: s}
	c := &Caps{}
	for {
		st, err := p.structure()
		if err != nil {
			return nil, err
		}
		c.structures = append(c.structures, st)

		p.skipSpace()
		if p.eof() {
			return c, nil
		}
		if !p.consume(';') {
			return nil, p.errorf("expected ';'")
		}
		p.skipSpace()
		if p.eof() {
			return c, nil
		}
	}
}

func MustParse(s string) *Caps {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseStructure reads a single structure.
func ParseStructure(s string) (*Structure, error) {
	p := &parser{input: s}
	st, err := p.structure()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("trailing characters")
	}
	return st, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) errorf(reason string) error {
	return errors.ErrCapsParse(p.input, p.pos, reason)
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) consume(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for !p.eof() && strings.IndexByte(" \t\r\n", p.input[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *parser) structure() (*Structure, error) {
	p.skipSpace()
	start := p.pos
	for !p.eof() && p.peek() != ',' && p.peek() != ';' {
		p.pos++
	}
	name := strings.TrimSpace(p.input[start:p.pos])
	if name == "" {
		return nil, p.errorf("missing structure name")
	}
	st := NewStructure(name)

	for {
		p.skipSpace()
		if !p.consume(',') {
			return st, nil
		}
		p.skipSpace()
		start = p.pos
		for !p.eof() && p.peek() != '=' && p.peek() != ',' && p.peek() != ';' {
			p.pos++
		}
		field := strings.TrimSpace(p.input[start:p.pos])
		if field == "" || !p.consume('=') {
			return nil, p.errorf("expected field=value")
		}
		v, err := p.value("")
		if err != nil {
			return nil, err
		}
		if err = st.SetValue(field, v); err != nil {
			return nil, p.errorf(err.Error())
		}
	}
}

func (p *parser) typeAnnotation() string {
	p.skipSpace()
	if p.peek() != '(' {
		return ""
	}
	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return ""
	}
	t := strings.TrimSpace(p.input[p.pos+1 : p.pos+end])
	p.pos += end + 1
	switch t {
	case "i", "int", "gint":
		return "int"
	case "d", "double", "f", "float", "gdouble":
		return "double"
	case "s", "str", "string", "gchararray":
		return "string"
	case "b", "bool", "boolean", "gboolean":
		return "boolean"
	case "fraction", "GstFraction":
		return "fraction"
	default:
		return t
	}
}

func (p *parser) value(outer string) (any, error) {
	typ := p.typeAnnotation()
	if typ == "" {
		typ = outer
	}
	p.skipSpace()

	switch p.peek() {
	case '[':
		p.pos++
		lo, err := p.value(typ)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consume(',') {
			return nil, p.errorf("expected ',' in range")
		}
		hi, err := p.value(typ)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.consume(',') {
			// step, ignored
			if _, err = p.value(typ); err != nil {
				return nil, err
			}
			p.skipSpace()
		}
		if !p.consume(']') {
			return nil, p.errorf("expected ']'")
		}
		return p.makeRange(lo, hi)

	case '{', '<':
		closer := byte('}')
		if p.peek() == '<' {
			closer = '>'
		}
		p.pos++
		var l List
		for {
			p.skipSpace()
			if p.consume(closer) {
				return l, nil
			}
			if len(l) > 0 && !p.consume(',') {
				return nil, p.errorf("expected ',' in list")
			}
			v, err := p.value(typ)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}

	case '"':
		start := p.pos
		p.pos++
		for !p.eof() && p.peek() != '"' {
			if p.peek() == '\\' {
				p.pos++
			}
			p.pos++
		}
		if !p.consume('"') {
			return nil, p.errorf("unterminated string")
		}
		s, err := strconv.Unquote(p.input[start:p.pos])
		if err != nil {
			return nil, p.errorf("invalid quoted string")
		}
		return s, nil
	}

	start := p.pos
	for !p.eof() && strings.IndexByte(",;]}>", p.peek()) < 0 {
		p.pos++
	}
	token := strings.TrimSpace(p.input[start:p.pos])
	if token == "" {
		return nil, p.errorf("missing value")
	}
	return p.convert(token, typ)
}

func (p *parser) convert(token, typ string) (any, error) {
	switch typ {
	case "int":
		i, err := strconv.Atoi(token)
		if err != nil {
			return nil, p.errorf("invalid int " + token)
		}
		return i, nil
	case "double":
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, p.errorf("invalid double " + token)
		}
		return f, nil
	case "string":
		return token, nil
	case "boolean":
		switch strings.ToLower(token) {
		case "true", "yes", "t", "1":
			return true, nil
		case "false", "no", "f", "0":
			return false, nil
		}
		return nil, p.errorf("invalid boolean " + token)
	case "fraction":
		if f, ok := parseFraction(token); ok {
			return f, nil
		}
		return nil, p.errorf("invalid fraction " + token)
	case "":
		if i, err := strconv.Atoi(token); err == nil {
			return i, nil
		}
		if f, ok := parseFraction(token); ok {
			return f, nil
		}
		if f, err := strconv.ParseFloat(token, 64); err == nil {
			return f, nil
		}
		switch token {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return token, nil
	default:
		return nil, p.errorf("unknown type " + typ)
	}
}

func (p *parser) makeRange(lo, hi any) (any, error) {
	switch l := lo.(type) {
	case int:
		switch h := hi.(type) {
		case int:
			return IntRange{Min: l, Max: h}, nil
		case float64:
			return DoubleRange{Min: float64(l), Max: h}, nil
		}
	case float64:
		switch h := hi.(type) {
		case int:
			return DoubleRange{Min: l, Max: float64(h)}, nil
		case float64:
			return DoubleRange{Min: l, Max: h}, nil
		}
	case Fraction:
		switch h := hi.(type) {
		case Fraction:
			return FractionRange{Min: l, Max: h}, nil
		case int:
			return FractionRange{Min: l, Max: NewFraction(h, 1)}, nil
		}
	}
	return nil, p.errorf("invalid range bounds")
}

func parseFraction(token string) (Fraction, bool) {
	num, den, ok := strings.Cut(token, "/")
	if !ok {
		if n, err := strconv.Atoi(token); err == nil {
			return NewFraction(n, 1), true
		}
		return Fraction{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Fraction{}, false
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil || d == 0 {
		return Fraction{}, false
	}
	return NewFraction(n, d), true
}
