// Licensed to Rix Technologies under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Rix Technologies licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package xelastictest provides a mock Elasticsearch server for testing
// xelastic clients.
package xelastictest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// BulkAction describes the action line of one decoded bulk item.
type BulkAction struct {
	Action     string
	Index      string
	DocumentID string
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// document sources, their action metadata, and a response body.
func DecodeBulkRequest(r *http.Request) ([][]byte, []BulkAction, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer gr.Close()
		body = gr
	}

	scanner := bufio.NewScanner(body)
	var indexed [][]byte
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]map[string]interface{})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var actionType string
		for actionType = range action {
		}
		meta := BulkAction{Action: actionType}
		meta.Index, _ = action[actionType]["_index"].(string)
		meta.DocumentID, _ = action[actionType]["_id"].(string)
		actions = append(actions, meta)

		if actionType != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			indexed = append(indexed, doc)
		}

		item := esutil.BulkIndexerResponseItem{
			Index:      meta.Index,
			DocumentID: meta.DocumentID,
			Status:     http.StatusCreated,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return indexed, actions, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends all
// requests to handler. The product header check performed by go-elasticsearch
// is taken care of.
func NewMockElasticsearchClient(t testing.TB, handler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, handler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns an
// elasticsearch.Config which sends all requests to handler. The
// httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, handler http.HandlerFunc) elasticsearch.Config {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// SearchHit holds one hit served by WriteScrollPage.
type SearchHit struct {
	Index       string         `json:"_index"`
	ID          string         `json:"_id"`
	SeqNo       int64          `json:"_seq_no"`
	PrimaryTerm int64          `json:"_primary_term"`
	Source      map[string]any `json:"_source"`
}

// WriteScrollPage writes one page of a search or scroll response.
func WriteScrollPage(w http.ResponseWriter, scrollID string, total int64, hits []SearchHit) {
	if hits == nil {
		hits = []SearchHit{}
	}
	page := map[string]any{
		"_scroll_id": scrollID,
		"hits": map[string]any{
			"total": map[string]any{"value": total},
			"hits":  hits,
		},
	}
	if err := json.NewEncoder(w).Encode(page); err != nil {
		panic(err)
	}
}
