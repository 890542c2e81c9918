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
	"errors"
	"testing"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Violations: []Violation{
		{Path: "fhirEndpointUrl", Message: "must be a valid URL"},
		{Path: "authConfig.clientId", Message: "must be set"},
	}}

	assert.Equal(t,
		"invalid configuration: authConfig.clientId: must be set; fhirEndpointUrl: must be a valid URL",
		err.Error())
}

func TestHTTPError_Transient(t *testing.T) {
	outcome := func(code fm.IssueType) *fm.OperationOutcome {
		return &fm.OperationOutcome{Issue: []fm.OperationOutcomeIssue{{
			Severity: fm.IssueSeverityError,
			Code:     code,
		}}}
	}

	tests := []struct {
		name      string
		err       *HTTPError
		transient bool
	}{
		{"ServerErrorTransientCode", &HTTPError{StatusCode: 503, Outcome: outcome(fm.IssueTypeTransient)}, true},
		{"ServerErrorThrottledCode", &HTTPError{StatusCode: 500, Outcome: outcome(fm.IssueTypeThrottled)}, true},
		{"ServerErrorTimeoutCode", &HTTPError{StatusCode: 500, Outcome: outcome(fm.IssueTypeTimeout)}, true},
		{"ServerErrorOtherCode", &HTTPError{StatusCode: 500, Outcome: outcome(fm.IssueTypeException)}, false},
		{"ServerErrorWithoutOutcome", &HTTPError{StatusCode: 503}, false},
		{"ClientErrorTransientCode", &HTTPError{StatusCode: 429, Outcome: outcome(fm.IssueTypeTransient)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.err.Transient())
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := &HTTPError{StatusCode: 404}
	err := &DownloadError{URL: "http://srv/d/1", Cause: cause}

	var httpError *HTTPError
	require.True(t, errors.As(err, &httpError))
	assert.Equal(t, 404, httpError.StatusCode)
}
