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

package search

import (
	"fmt"
	"strings"

	"syncd/pkg/changestream"
)

// ShapeError is fatal: the spec requires that an unparseable column
// value never be silently dropped.
type ShapeError struct {
	View   string
	Column string
	Err    error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("search: shape view=%s column=%s: %v", e.View, e.Column, e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

// ShapeFunc maps a decoded row to an index document. The identity
// shape (IdentityShape) implements the default column-to-field rules
// from spec §4.5: ISO-8601 timestamps, drop "_"-prefixed columns,
// never silently drop an unparseable value.
type ShapeFunc func(view string, row changestream.Row) (map[string]interface{}, error)

// IdentityShape is the default ShapeFunc.
func IdentityShape(view string, row changestream.Row) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	for col, val := range row.Map() {
		if strings.HasPrefix(col, "_") {
			continue
		}
		if val.Kind() == changestream.KindNested {
			// Interface() on nested values recurses; the connector keeps a
			// leaf it cannot parse as its raw JSON text in a string value,
			// so this cannot silently drop data.
			doc[col] = val.Interface()
			continue
		}
		doc[col] = val.Interface()
	}
	return doc, nil
}

// Registry resolves a shape_id (from the pipeline descriptor) to a
// ShapeFunc, per SPEC_FULL §10's shape-function registry.
type Registry struct {
	shapes map[string]ShapeFunc
}

func NewRegistry() *Registry {
	r := &Registry{shapes: map[string]ShapeFunc{"identity": IdentityShape}}
	return r
}

// Register adds a named shape function.
func (r *Registry) Register(id string, fn ShapeFunc) { r.shapes[id] = fn }

// Get resolves shape_id, falling back to IdentityShape for the empty
// string (no shape configured).
func (r *Registry) Get(id string) (ShapeFunc, error) {
	if id == "" {
		return IdentityShape, nil
	}
	fn, ok := r.shapes[id]
	if !ok {
		return nil, fmt.Errorf("search: unknown shape_id %q", id)
	}
	return fn, nil
}
