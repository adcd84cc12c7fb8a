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
	"context"
	"fmt"

	elastic "github.com/olivere/elastic/v7"
)

// BulkOp is one document-level operation to fold into a bulk request.
type BulkOp struct {
	Upsert bool // false means delete
	ID     string
	Doc    map[string]interface{} // nil for deletes
}

// ItemResult reports the per-item outcome of a bulk call, matching
// the search-sink contract's "failures return per-item errors in the
// response" (spec §6).
type ItemResult struct {
	ID      string
	Failed  bool
	FailMsg string
}

// BulkClient abstracts the minimal surface the sink needs from a
// search engine's HTTP bulk API. Implementations must enable
// idempotent upsert-by-id and delete-by-id. We intentionally isolate
// the concrete client behind this interface, the same way the
// teacher's persistence adapters hide github.com/redis/go-redis/v9 and
// a Kafka producer behind RedisEvaler/KafkaProducer.
type BulkClient interface {
	EnsureIndex(ctx context.Context, index string, columns []string) error
	Bulk(ctx context.Context, index string, ops []BulkOp) ([]ItemResult, error)
}

// ElasticClient is the production BulkClient backed by
// github.com/olivere/elastic/v7.
type ElasticClient struct {
	es *elastic.Client
}

// NewElasticClient dials the search engine at url.
func NewElasticClient(url string) (*ElasticClient, error) {
	es, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: connect to %s: %w", url, err)
	}
	return &ElasticClient{es: es}, nil
}

// EnsureIndex creates the index if absent, with a mapping inferred
// from the view's current column list (spec §4.5: "ensure the index
// exists (create if absent with the view's mapping)").
func (c *ElasticClient) EnsureIndex(ctx context.Context, index string, columns []string) error {
	exists, err := c.es.IndexExists(index).Do(ctx)
	if err != nil {
		return fmt.Errorf("search: index exists check: %w", err)
	}
	if exists {
		return nil
	}

	properties := make(map[string]interface{}, len(columns))
	for _, col := range columns {
		properties[col] = map[string]interface{}{"type": "keyword"}
	}
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{"properties": properties},
	}
	_, err = c.es.CreateIndex(index).BodyJson(mapping).Do(ctx)
	if err != nil {
		return fmt.Errorf("search: create index %s: %w", index, err)
	}
	return nil
}

// Bulk issues one bulk request covering all ops.
func (c *ElasticClient) Bulk(ctx context.Context, index string, ops []BulkOp) ([]ItemResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	svc := c.es.Bulk().Index(index)
	for _, op := range ops {
		if op.Upsert {
			svc = svc.Add(elastic.NewBulkIndexRequest().Id(op.ID).Doc(op.Doc))
		} else {
			svc = svc.Add(elastic.NewBulkDeleteRequest().Id(op.ID))
		}
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: bulk request: %w", err)
	}

	results := make([]ItemResult, 0, len(ops))
	for _, item := range resp.Items {
		for _, res := range item {
			ir := ItemResult{ID: res.Id}
			if res.Error != nil {
				ir.Failed = true
				ir.FailMsg = res.Error.Reason
			}
			results = append(results, ir)
		}
	}
	return results, nil
}
