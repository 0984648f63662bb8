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

package xelastic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RixTechnologies/xelastic"
)

func TestSpanSuffix(t *testing.T) {
	ts := time.Date(2021, time.April, 14, 10, 56, 39, 0, time.UTC)
	for _, tc := range []struct {
		name string
		span xelastic.SpanType
		ts   time.Time
		want string
	}{
		{name: "none", span: xelastic.SpanNone, ts: ts, want: "all"},
		{name: "none_zero_time", span: xelastic.SpanNone, want: "all"},
		{name: "year", span: xelastic.SpanYear, ts: ts, want: "2021"},
		{name: "quarter", span: xelastic.SpanQuarter, ts: ts, want: "2021-2"},
		{name: "month", span: xelastic.SpanMonth, ts: ts, want: "2021-04"},
		{name: "day", span: xelastic.SpanDay, ts: ts, want: "2021-04-14"},
		{name: "zero_time_wildcard", span: xelastic.SpanMonth, want: "*"},
		{
			name: "quarter_first_month",
			span: xelastic.SpanQuarter,
			ts:   time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
			want: "2021-1",
		},
		{
			name: "quarter_last_month_of_first",
			span: xelastic.SpanQuarter,
			ts:   time.Date(2021, time.March, 31, 23, 59, 59, 0, time.UTC),
			want: "2021-1",
		},
		{
			name: "quarter_last",
			span: xelastic.SpanQuarter,
			ts:   time.Date(2021, time.December, 31, 0, 0, 0, 0, time.UTC),
			want: "2021-4",
		},
		{
			name: "non_utc_timestamp",
			span: xelastic.SpanDay,
			ts:   time.Date(2021, time.April, 15, 1, 30, 0, 0, time.FixedZone("EEST", 3*3600)),
			want: "2021-04-14",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.span.Suffix(tc.ts))
		})
	}
}

func TestSpanBounds(t *testing.T) {
	for _, tc := range []struct {
		name      string
		span      xelastic.SpanType
		suffix    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "year",
			span:      xelastic.SpanYear,
			suffix:    "2021",
			wantStart: time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "quarter",
			span:      xelastic.SpanQuarter,
			suffix:    "2021-2",
			wantStart: time.Date(2021, time.April, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2021, time.July, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "last_quarter_rolls_year",
			span:      xelastic.SpanQuarter,
			suffix:    "2021-4",
			wantStart: time.Date(2021, time.October, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "month",
			span:      xelastic.SpanMonth,
			suffix:    "2021-12",
			wantStart: time.Date(2021, time.December, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "day",
			span:      xelastic.SpanDay,
			suffix:    "2021-04-14",
			wantStart: time.Date(2021, time.April, 14, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2021, time.April, 15, 0, 0, 0, 0, time.UTC),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			start, err := tc.span.Start(tc.suffix)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStart, start)

			end, err := tc.span.End(tc.suffix)
			require.NoError(t, err)
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}

func TestSpanBoundsInvalid(t *testing.T) {
	_, err := xelastic.SpanNone.Start("all")
	assert.Error(t, err)

	_, err = xelastic.SpanYear.Start("not-a-year")
	assert.Error(t, err)

	_, err = xelastic.SpanQuarter.Start("2021")
	assert.Error(t, err)

	_, err = xelastic.SpanQuarter.Start("2021-5")
	assert.Error(t, err)

	_, err = xelastic.SpanDay.End("2021-04")
	assert.Error(t, err)
}
