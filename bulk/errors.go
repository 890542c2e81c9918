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

package bulk

import (
	"fmt"
	"sort"
	"strings"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/samply/bulkectl/util"
)

// A Violation is one finding of the configuration validation.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ConfigurationError aggregates all validation violations of one run. It is
// raised before any I/O happens, and also when the destination directory
// already exists.
type ConfigurationError struct {
	Violations []Violation
}

func (e *ConfigurationError) Error() string {
	violations := make([]string, 0, len(e.Violations))
	sorted := make([]Violation, len(e.Violations))
	copy(sorted, e.Violations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, violation := range sorted {
		violations = append(violations, violation.String())
	}
	return "invalid configuration: " + strings.Join(violations, "; ")
}

// HTTPError represents a non-classifiable response status from a protocol
// call or a non-200 from a download.
type HTTPError struct {
	StatusCode int
	Outcome    *fm.OperationOutcome
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if digest := util.FmtOperationOutcome(e.Outcome); digest != "" {
		return fmt.Sprintf("unexpected status code %d (%s)", e.StatusCode, digest)
	}
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

// Transient reports whether the response may resolve on its own: a server
// error carrying an OperationOutcome whose issue code is transient,
// throttled or timeout.
func (e *HTTPError) Transient() bool {
	if e.StatusCode < 500 || e.Outcome == nil {
		return false
	}
	for _, issue := range e.Outcome.Issue {
		switch issue.Code {
		case fm.IssueTypeTransient, fm.IssueTypeThrottled, fm.IssueTypeTimeout:
			return true
		}
	}
	return false
}

// ProtocolError represents a response that violates the async protocol: a
// missing Content-Location on an Accepted kick-off, an unparseable manifest
// and the like.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// DownloadError wraps the first failure of the download phase.
type DownloadError struct {
	URL   string
	Cause error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("error while downloading %s: %v", e.URL, e.Cause)
}

func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// TimeoutError is raised when the overall deadline expires during polling or
// downloading.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("the export did not finish within %s", util.FmtDurationHumanReadable(e.Limit))
}

// SystemError wraps task interruption and destination write failures.
type SystemError struct {
	Cause error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error: %v", e.Cause)
}

func (e *SystemError) Unwrap() error {
	return e.Cause
}
