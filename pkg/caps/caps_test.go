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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse("audio/x-raw, rate=(int)[ 8000, 48000 ], channels=2, format=(string){ S16LE, F32LE }; video/x-raw, framerate=(fraction)30/1")
	require.NoError(t, err)
	require.Equal(t, 2, c.Size())

	s := c.Structure(0)
	require.Equal(t, "audio/x-raw", s.Name())
	rate, _ := s.Get("rate")
	require.Equal(t, IntRange{Min: 8000, Max: 48000}, rate)
	channels, ok := s.GetInt("channels")
	require.True(t, ok)
	require.Equal(t, 2, channels)
	format, _ := s.Get("format")
	require.Equal(t, List{"S16LE", "F32LE"}, format)

	fr, ok := c.Structure(1).GetFraction("framerate")
	require.True(t, ok)
	require.Equal(t, Fraction{Num: 30, Den: 1}, fr)

	again, err := Parse(c.String())
	require.NoError(t, err)
	require.True(t, c.IsEqual(again))

	require.True(t, MustParse("ANY").IsAny())
	require.True(t, MustParse("EMPTY").IsEmpty())

	_, err = Parse("audio/x-raw, rate=(int)abc")
	require.Error(t, err)
	_, err = Parse("audio/x-raw, rate=[ 1, ")
	require.Error(t, err)
}

func TestIntersect(t *testing.T) {
	a := MustParse("audio/x-raw, rate=(int)[ 8000, 48000 ], channels=(int){ 1, 2 }")
	b := MustParse("audio/x-raw, rate=(int){ 44100, 96000 }, layout=interleaved")

	r := a.Intersect(b)
	require.Equal(t, 1, r.Size())
	s := r.Structure(0)
	rate, _ := s.GetInt("rate")
	require.Equal(t, 44100, rate)
	require.True(t, s.Has("channels"))
	layout, _ := s.GetString("layout")
	require.Equal(t, "interleaved", layout)

	t.Run("disjoint", func(t *testing.T) {
		c := MustParse("audio/x-raw, rate=(int)[ 1, 10 ]")
		d := MustParse("audio/x-raw, rate=(int)[ 11, 20 ]")
		require.True(t, c.Intersect(d).IsEmpty())
		require.False(t, c.CanIntersect(d))

		require.True(t, MustParse("audio/x-raw").Intersect(MustParse("video/x-raw")).IsEmpty())
	})

	t.Run("any", func(t *testing.T) {
		require.True(t, NewAny().Intersect(a).IsEqual(a))
		require.True(t, a.Intersect(NewAny()).IsEqual(a))
		require.True(t, NewAny().Intersect(NewAny()).IsAny())
		require.True(t, NewEmpty().Intersect(a).IsEmpty())
	})

	t.Run("fractions", func(t *testing.T) {
		c := MustParse("video/x-raw, framerate=(fraction)[ 0/1, 60/1 ]")
		d := MustParse("video/x-raw, framerate=(fraction){ 25/1, 90/1 }")
		fr, ok := c.Intersect(d).Structure(0).GetFraction("framerate")
		require.True(t, ok)
		require.Equal(t, NewFraction(25, 1), fr)
	})
}

func TestIntersectCommutativeAssociative(t *testing.T) {
	all := []*Caps{
		MustParse("audio/x-raw, rate=(int)[ 8000, 48000 ], channels=(int){ 1, 2, 6 }; audio/x-alaw"),
		MustParse("audio/x-raw, rate=(int){ 16000, 44100, 96000 }, format=(string){ S16LE, F32LE }"),
		MustParse("audio/x-raw, channels=(int)[ 2, 8 ], format=(string)S16LE; audio/x-alaw, rate=(int)8000"),
		MustParse("audio/x-raw, rate=(int)44100; audio/x-raw, rate=(int)16000, channels=(int)2"),
		NewAny(),
	}

	for _, a := range all {
		for _, b := range all {
			ab := a.Intersect(b)
			ba := b.Intersect(a)
			require.True(t, ab.IsEqual(ba), "%s\n%s", ab, ba)
			require.Equal(t, ab.String(), ba.String())

			for _, c := range all {
				left := a.Intersect(b).Intersect(c)
				right := a.Intersect(b.Intersect(c))
				require.Equal(t, left.String(), right.String())
			}
		}
	}
}

func TestIntersectFirst(t *testing.T) {
	a := MustParse("video/x-raw, format=I420; video/x-raw, format=NV12")
	b := MustParse("video/x-raw, format=(string){ NV12, I420 }")
	r := a.IntersectFirst(b)
	require.Equal(t, 2, r.Size())
	f, _ := r.Structure(0).GetString("format")
	require.Equal(t, "I420", f)
}

func TestSubsetEqual(t *testing.T) {
	wide := MustParse("audio/x-raw, rate=(int)[ 1, 100000 ]")
	narrow := MustParse("audio/x-raw, rate=(int)44100, channels=(int)2")

	require.True(t, narrow.IsSubset(wide))
	require.False(t, wide.IsSubset(narrow))
	require.True(t, narrow.IsSubset(NewAny()))
	require.False(t, NewAny().IsSubset(narrow))
	require.True(t, NewEmpty().IsSubset(narrow))

	require.True(t, MustParse("a/b, x=(int){ 2, 1 }").IsEqual(MustParse("a/b, x=(int){ 1, 2 }")))
	require.False(t, wide.IsEqual(narrow))
}

func TestFixate(t *testing.T) {
	c := MustParse("audio/x-raw, rate=(int)[ 8000, 48000 ], channels=(int){ 2, 1 }, format=S16LE; audio/x-alaw")
	require.False(t, c.IsFixed())

	f1 := c.Fixate()
	f2 := c.Fixate()
	require.True(t, f1.IsFixed())
	require.Equal(t, f1.String(), f2.String())

	s := f1.Structure(0)
	rate, _ := s.GetInt("rate")
	require.Equal(t, 8000, rate)
	channels, _ := s.GetInt("channels")
	require.Equal(t, 2, channels)

	// the input is untouched
	require.False(t, c.IsFixed())
}

func TestFixateNearest(t *testing.T) {
	s, err := ParseStructure("video/x-raw, width=(int)[ 16, 4096 ], height=(int){ 480, 720, 1080 }, framerate=(fraction)[ 1/1, 60/1 ]")
	require.NoError(t, err)

	require.True(t, s.FixateFieldNearestInt("width", 8192))
	w, _ := s.GetInt("width")
	require.Equal(t, 4096, w)

	require.True(t, s.FixateFieldNearestInt("height", 700))
	h, _ := s.GetInt("height")
	require.Equal(t, 720, h)

	require.True(t, s.FixateFieldNearestFraction("framerate", NewFraction(30, 1)))
	fr, _ := s.GetFraction("framerate")
	require.Equal(t, NewFraction(30, 1), fr)

	require.False(t, s.FixateFieldNearestInt("missing", 1))
	require.True(t, s.IsFixed())
}

func TestStructureSet(t *testing.T) {
	s := NewStructure("application/x-rtp").
		Set("clock-rate", int64(90000)).
		Set("media", "video").
		Set("payload", []int{96, 97})
	v, _ := s.GetInt("clock-rate")
	require.Equal(t, 90000, v)
	require.Equal(t, `application/x-rtp, clock-rate=(int)90000, media=(string)video, payload=(int){ 96, 97 }`, s.String())

	require.Panics(t, func() { s.Set("bad", struct{}{}) })
	require.Error(t, s.SetValue("range", IntRange{Min: 2, Max: 1}))

	s.Remove("media")
	require.False(t, s.Has("media"))
}
