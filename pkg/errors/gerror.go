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

package errors

import (
	"fmt"
)

type Domain int

const (
	CoreError Domain = iota
	LibraryError
	ResourceError
	StreamError
)

func (d Domain) String() string {
	switch d {
	case CoreError:
		return "core"
	case LibraryError:
		return "library"
	case ResourceError:
		return "resource"
	case StreamError:
		return "stream"
	default:
		return "unknown"
	}
}

// Codes shared by all domains. Domain specific codes start at 100.
const (
	CodeFailed = iota + 1
	CodeTooLazy
	CodeNotImplemented
	CodeStateChange
	CodeNegotiation
	CodeMissingPlugin
)

const (
	ResourceNotFound = iota + 100
	ResourceBusy
	ResourceOpenRead
	ResourceOpenWrite
	ResourceRead
	ResourceWrite
	ResourceSeek
	ResourceClose
	ResourceNoSpaceLeft
	ResourceSettings
)

const (
	StreamDecode = iota + 100
	StreamEncode
	StreamFormat
	StreamDemux
	StreamTypeNotFound
	StreamWrongType
)

// GError is the payload of ERROR, WARNING and INFO bus messages.
type GError struct {
	Domain  Domain
	Code    int
	Message string
	Debug   string
}

func NewGError(domain Domain, code int, message, debug string) *GError {
	return &GError{
		Domain:  domain,
		Code:    code,
		Message: message,
		Debug:   debug,
	}
}

func (e *GError) Error() string {
	if e.Debug == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Debug)
}

func (e *GError) Matches(domain Domain, code int) bool {
	return e.Domain == domain && e.Code == code
}
