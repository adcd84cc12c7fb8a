// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package changestream

import "fmt"

// TransientErrorKind enumerates the Transient::* error kinds from the
// error handling design (spec §7). The retry supervisor reconnects on
// any of these; they never propagate past it.
type TransientErrorKind int

const (
	TransientNetworkUnavailable TransientErrorKind = iota
	TransientStreamEnded
	TransientSinkTimeout
)

func (k TransientErrorKind) String() string {
	switch k {
	case TransientNetworkUnavailable:
		return "NetworkUnavailable"
	case TransientStreamEnded:
		return "StreamEnded"
	case TransientSinkTimeout:
		return "SinkTimeout"
	default:
		return "Unknown"
	}
}

// TransientError wraps a recoverable error. The supervisor's reconnect
// loop is the only place that should catch these.
type TransientError struct {
	Kind TransientErrorKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient::%s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransientError(kind TransientErrorKind, err error) *TransientError {
	return &TransientError{Kind: kind, Err: err}
}

// ProtocolErrorKind enumerates the Protocol::* fatal-per-pipeline error
// kinds.
type ProtocolErrorKind int

const (
	ProtocolUnexpectedDiff ProtocolErrorKind = iota
	ProtocolMissingKeyColumn
	ProtocolNonMonotonicTimestamp
	ProtocolViewNotFound
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ProtocolUnexpectedDiff:
		return "UnexpectedDiff"
	case ProtocolMissingKeyColumn:
		return "MissingKeyColumn"
	case ProtocolNonMonotonicTimestamp:
		return "NonMonotonicTimestamp"
	case ProtocolViewNotFound:
		return "ViewNotFound"
	default:
		return "Unknown"
	}
}

// ProtocolError is fatal for the pipeline that raised it: the
// supervisor halts that pipeline and reports it via health probes,
// leaving other pipelines unaffected.
type ProtocolError struct {
	Kind ProtocolErrorKind
	View string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol::%s view=%s: %v", e.Kind, e.View, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(kind ProtocolErrorKind, view string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, View: view, Err: err}
}
