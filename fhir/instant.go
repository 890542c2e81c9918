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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// instantLayout renders FHIR instants with millisecond precision. UTC
// instants get the Z designator.
const instantLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatInstant renders t as a FHIR instant in UTC with millisecond
// precision.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

// ParseInstant parses a FHIR instant in any zone and normalizes it to UTC
// with millisecond precision.
func ParseInstant(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("error while parsing the instant %s: %w", value, err)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// Timestamp is an instant that additionally accepts the loose wire forms
// some bulk data servers emit for transaction times: epoch milliseconds as
// a JSON number and epoch milliseconds as a string of digits.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
			t.Time = time.UnixMilli(millis).UTC()
			return nil
		}
		parsed, err := ParseInstant(value)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	millis, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		// Epoch millis can arrive in scientific notation from sloppy
		// serializers.
		float, floatErr := strconv.ParseFloat(trimmed, 64)
		if floatErr != nil {
			return fmt.Errorf("unparseable timestamp %s", trimmed)
		}
		millis = int64(float)
	}
	t.Time = time.UnixMilli(millis).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler using the FHIR instant form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatInstant(t.Time))
}
