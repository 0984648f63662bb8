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

package xelastic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpanAll is the span suffix used for indexes that do not roll over.
const SpanAll = "all"

// SpanWildcard is the span suffix addressing all spans of a rolling index.
const SpanWildcard = "*"

// SpanType identifies the granularity at which an index rolls over.
type SpanType string

const (
	SpanNone    SpanType = "n"
	SpanDay     SpanType = "d"
	SpanMonth   SpanType = "m"
	SpanQuarter SpanType = "q"
	SpanYear    SpanType = "y"
)

func (s SpanType) valid() bool {
	switch s {
	case SpanNone, SpanDay, SpanMonth, SpanQuarter, SpanYear:
		return true
	}
	return false
}

// Suffix returns the index name suffix for the document timestamp ts,
// truncated to the span granularity. SpanNone always maps to SpanAll.
// For rolling span types the zero time maps to SpanWildcard, so that the
// resolved name addresses every span of the index.
//
// Suffixes are computed in UTC.
func (s SpanType) Suffix(ts time.Time) string {
	if s == SpanNone {
		return SpanAll
	}
	if ts.IsZero() {
		return SpanWildcard
	}
	ts = ts.UTC()
	switch s {
	case SpanYear:
		return ts.Format("2006")
	case SpanQuarter:
		return fmt.Sprintf("%s-%d", ts.Format("2006"), (int(ts.Month())-1)/3+1)
	case SpanMonth:
		return ts.Format("2006-01")
	case SpanDay:
		return ts.Format("2006-01-02")
	}
	return ""
}

// Start returns the UTC instant at which the given span suffix begins.
// It fails for SpanNone, which has no time bounds.
func (s SpanType) Start(span string) (time.Time, error) {
	switch s {
	case SpanYear:
		year, err := strconv.Atoi(span)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid year span %q: %w", span, err)
		}
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	case SpanQuarter:
		sy, sq, ok := strings.Cut(span, "-")
		if !ok {
			return time.Time{}, fmt.Errorf("invalid quarter span %q", span)
		}
		year, err := strconv.Atoi(sy)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid quarter span %q: %w", span, err)
		}
		quarter, err := strconv.Atoi(sq)
		if err != nil || quarter < 1 || quarter > 4 {
			return time.Time{}, fmt.Errorf("invalid quarter span %q", span)
		}
		return time.Date(year, time.Month(quarter*3-2), 1, 0, 0, 0, 0, time.UTC), nil
	case SpanMonth:
		t, err := time.Parse("2006-01", span)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid month span %q: %w", span, err)
		}
		return t, nil
	case SpanDay:
		t, err := time.Parse("2006-01-02", span)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid day span %q: %w", span, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("span type %q has no span bounds", s)
}

// End returns the UTC instant at which the given span suffix ends, i.e.
// the start of the following span.
func (s SpanType) End(span string) (time.Time, error) {
	start, err := s.Start(span)
	if err != nil {
		return time.Time{}, err
	}
	switch s {
	case SpanYear:
		return start.AddDate(1, 0, 0), nil
	case SpanQuarter:
		return start.AddDate(0, 3, 0), nil
	case SpanMonth:
		return start.AddDate(0, 1, 0), nil
	case SpanDay:
		return start.AddDate(0, 0, 1), nil
	}
	return time.Time{}, fmt.Errorf("span type %q has no span bounds", s)
}
