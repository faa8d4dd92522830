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
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// Factories lists the factories of every element in this package.
func Factories() []*gst.ElementFactory {
	return []*gst.ElementFactory{
		fakeSrcFactory,
		fakeSinkFactory,
		identityFactory,
		queueFactory,
		teeFactory,
		capsFilterFactory,
		fileSrcFactory,
		fileSinkFactory,
		appSrcFactory,
		appSinkFactory,
		tlvDemuxFactory,
		rtpParseFactory,
	}
}

// Register installs every element of this package into r.
func Register(r *gst.Registry) error {
	errs := &errors.ErrArray{}
	for _, f := range Factories() {
		errs.Check(r.Register(f))
	}
	return errs.ToError()
}
