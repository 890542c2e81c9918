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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/samply/bulkectl/fhir"
	"github.com/samply/bulkectl/util"
)

// Accepted is the in-progress outcome of a protocol call: the server is
// still computing the export.
type Accepted struct {
	// ContentLocation is the status URL. Only kick-off responses carry it.
	ContentLocation string

	// Progress is the opaque value of the X-Progress header, if any.
	Progress string

	// RetryAfter is the server-suggested delay before the next poll.
	// Meaningful only when HasRetryAfter is true.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// FileItem is one entry of the manifest's output, deleted or error list.
type FileItem struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Manifest is the completion document of a finished export.
type Manifest struct {
	TransactionTime fhir.Timestamp `json:"transaction_time"`
	Request         string         `json:"request"`
	Output          []FileItem     `json:"output"`
	Deleted         []FileItem     `json:"deleted"`
	Error           []FileItem     `json:"error"`
}

// protocolClient issues the kick-off and status-poll calls and classifies
// their responses.
type protocolClient struct {
	client *fhir.Client
}

// kickOff submits the export request. The usual outcome is Accepted with the
// status URL; a server that finishes synchronously may answer with the
// manifest right away.
func (p *protocolClient) kickOff(ctx context.Context, request Request) (*Accepted, *Manifest, error) {
	var req *http.Request
	var err error
	if request.UsesPost() {
		body, marshalErr := json.Marshal(request.Parameters())
		if marshalErr != nil {
			return nil, nil, &SystemError{Cause: marshalErr}
		}
		req, err = p.client.NewKickOffPostRequest(bytes.NewReader(body), request.Level.PathElements()...)
	} else {
		req, err = p.client.NewKickOffRequest(request.QueryParams(), request.Level.PathElements()...)
	}
	if err != nil {
		return nil, nil, &SystemError{Cause: err}
	}

	resp, err := p.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, &SystemError{Cause: err}
	}
	return classify(resp)
}

// checkStatus polls the status URL.
func (p *protocolClient) checkStatus(ctx context.Context, statusURL string) (*Accepted, *Manifest, error) {
	req, err := p.client.NewStatusRequest(statusURL)
	if err != nil {
		return nil, nil, &SystemError{Cause: err}
	}

	resp, err := p.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, &SystemError{Cause: err}
	}
	return classify(resp)
}

// classify maps a protocol response onto the async protocol outcomes:
// 202 is Accepted, 200 carries the manifest and everything else is an
// HTTPError whose Transient method decides retryability.
func classify(resp *http.Response) (*Accepted, *Manifest, error) {
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		accepted := &Accepted{
			ContentLocation: resp.Header.Get("Content-Location"),
			Progress:        resp.Header.Get("X-Progress"),
		}
		if delay, ok := util.ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			accepted.RetryAfter = delay
			accepted.HasRetryAfter = true
		}
		return accepted, nil, nil

	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, &SystemError{Cause: err}
		}
		var manifest Manifest
		if err := json.Unmarshal(body, &manifest); err != nil {
			return nil, nil, &ProtocolError{Message: "unparseable manifest", Cause: err}
		}
		return nil, &manifest, nil

	default:
		httpError := &HTTPError{StatusCode: resp.StatusCode}
		if delay, ok := util.ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			httpError.RetryAfter = delay
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, httpError
		}
		if outcome, err := fm.UnmarshalOperationOutcome(body); err == nil {
			httpError.Outcome = &outcome
		}
		return nil, nil, httpError
	}
}

// statusURL extracts the mandatory Content-Location of an accepted
// kick-off.
func statusURL(accepted *Accepted) (string, error) {
	if accepted.ContentLocation == "" {
		return "", &ProtocolError{Message: "the accepted kick-off response is missing the Content-Location header"}
	}
	return accepted.ContentLocation, nil
}
