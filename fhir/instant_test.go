// Copyright 2025 The Samply Community
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

package fhir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInstant(t *testing.T) {
	t.Run("UTC", func(t *testing.T) {
		instant := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		assert.Equal(t, "2024-01-01T00:00:00.000Z", FormatInstant(instant))
	})

	t.Run("OtherZoneIsNormalized", func(t *testing.T) {
		zone := time.FixedZone("CET", 3600)
		instant := time.Date(2024, 1, 1, 1, 0, 0, 0, zone)

		assert.Equal(t, "2024-01-01T00:00:00.000Z", FormatInstant(instant))
	})

	t.Run("MillisecondPrecision", func(t *testing.T) {
		instant := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC)

		assert.Equal(t, "2024-01-01T00:00:00.123Z", FormatInstant(instant))
	})
}

func TestParseInstant(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		instant := time.Date(2024, 6, 15, 12, 34, 56, 789000000, time.UTC)

		parsed, err := ParseInstant(FormatInstant(instant))

		require.NoError(t, err)
		assert.Equal(t, instant, parsed)
	})

	t.Run("ZoneOffset", func(t *testing.T) {
		parsed, err := ParseInstant("2024-01-01T01:00:00.000+01:00")

		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), parsed)
	})

	t.Run("WithoutFraction", func(t *testing.T) {
		parsed, err := ParseInstant("2024-01-01T00:00:00Z")

		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), parsed)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ParseInstant("not-an-instant")

		assert.Error(t, err)
	})
}

func TestTimestampUnmarshalJSON(t *testing.T) {
	expected := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		json string
	}{
		{"ISOString", `"2024-01-01T00:00:00.000Z"`},
		{"EpochMillisNumber", `1704067200000`},
		{"EpochMillisString", `"1704067200000"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var timestamp Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.json), &timestamp))

			assert.Equal(t, expected, timestamp.Time)
		})
	}

	t.Run("Garbage", func(t *testing.T) {
		var timestamp Timestamp
		assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &timestamp))
	})
}
