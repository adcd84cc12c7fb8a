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

// Package orchestrator implements C7: it reads the static pipeline
// descriptor table, spawns one supervised pipeline per descriptor, and
// exposes ready/live health probes plus ordered shutdown.
package orchestrator

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// SinkKind discriminates a descriptor's target sink.
type SinkKind string

const (
	SinkSearch    SinkKind = "search"
	SinkBroadcast SinkKind = "broadcast"
)

// Descriptor is one row of the PIPELINE_DESCRIPTORS table:
// view,sink,key_column,shape_id (spec.md §6, SPEC_FULL §10).
type Descriptor struct {
	View      string
	Sink      SinkKind
	KeyColumn string
	ShapeID   string
}

// LoadDescriptors parses the CSV file at path. Every row must have
// exactly four fields; malformed rows are Config::InvalidDescriptor
// (fatal process-wide at startup, per spec §7).
func LoadDescriptors(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InvalidDescriptorError{Reason: fmt.Sprintf("open %s: %v", path, err)}
	}
	defer f.Close()
	return parseDescriptors(f)
}

func parseDescriptors(r io.Reader) ([]Descriptor, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	var out []Descriptor
	line := 0
	for {
		line++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &InvalidDescriptorError{Reason: fmt.Sprintf("line %d: %v", line, err)}
		}
		if line == 1 && isHeaderRow(record) {
			continue
		}

		d := Descriptor{View: record[0], Sink: SinkKind(record[1]), KeyColumn: record[2], ShapeID: record[3]}
		if err := d.validate(); err != nil {
			return nil, &InvalidDescriptorError{Reason: fmt.Sprintf("line %d: %v", line, err)}
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, &InvalidDescriptorError{Reason: "no pipeline descriptors found"}
	}
	return out, nil
}

func isHeaderRow(record []string) bool {
	return record[0] == "view" && record[1] == "sink"
}

func (d Descriptor) validate() error {
	if d.View == "" {
		return fmt.Errorf("view must not be empty")
	}
	if d.Sink != SinkSearch && d.Sink != SinkBroadcast {
		return fmt.Errorf("sink %q must be %q or %q", d.Sink, SinkSearch, SinkBroadcast)
	}
	if d.KeyColumn == "" {
		return fmt.Errorf("key_column must not be empty")
	}
	return nil
}

// InvalidDescriptorError is Config::InvalidDescriptor (spec §7): fatal
// process-wide, surfaced before any pipeline starts.
type InvalidDescriptorError struct {
	Reason string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("orchestrator: invalid pipeline descriptor: %s", e.Reason)
}
