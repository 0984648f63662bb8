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

// Package xelastic provides a convenience layer over the Elasticsearch
// HTTP client: time-spanned index naming, bulk indexing with auto-flush,
// scroll-based paginated retrieval, and field-level updates by query or
// by document ID.
//
// Index names follow the format prefix-stub-source-span, where prefix is
// shared by all indexes of the application, stub identifies indexes of a
// particular type, source identifies a particular data set, and span
// identifies the time period the index covers. The prefix-stub pair is
// what index templates match on, so all spans of an index share settings
// and mappings.
//
// This package intentionally does not define its own wire protocol: all
// operations are thin pass-throughs to Elasticsearch's bulk, search,
// scroll and update APIs.
package xelastic
