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

package util

import "time"

// Deadline is an absolute point in time a running operation must not
// exceed. The zero value means "no deadline".
type Deadline struct {
	at time.Time
}

// NewDeadline converts a requested timeout into an absolute deadline
// measured from now. A timeout of zero or below yields the unbounded
// deadline.
func NewDeadline(timeout time.Duration) Deadline {
	if timeout <= 0 {
		return Deadline{}
	}
	return Deadline{at: time.Now().Add(timeout)}
}

// DeadlineAt creates a Deadline at the given instant.
func DeadlineAt(at time.Time) Deadline {
	return Deadline{at: at}
}

// Unbounded reports whether no deadline was set.
func (d Deadline) Unbounded() bool {
	return d.at.IsZero()
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	return !d.at.IsZero() && !time.Now().Before(d.at)
}

// Remaining returns the budget left until the deadline, never below zero.
// An unbounded deadline has no meaningful remaining budget; callers have to
// check Unbounded first.
func (d Deadline) Remaining() time.Duration {
	if d.at.IsZero() {
		return 0
	}
	remaining := time.Until(d.at)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Time returns the absolute instant of the deadline and whether one is set.
func (d Deadline) Time() (time.Time, bool) {
	return d.at, !d.at.IsZero()
}
