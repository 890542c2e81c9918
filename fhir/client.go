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

// Package fhir contains the HTTP wire surface of the bulk data export
// protocol: a client with the kick-off, status and download request
// builders, bearer token injection and the FHIR instant format.
package fhir

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/samply/bulkectl/auth"
)

const (
	// JSONType is the Accept type of status polling requests.
	JSONType = "application/json"
	// FHIRJSONType is the Accept type of kick-off requests.
	FHIRJSONType = "application/fhir+json"
	// FHIRJSONTypeUTF8 is the Content-Type of kick-off POST bodies.
	FHIRJSONTypeUTF8 = "application/fhir+json; charset=UTF-8"
)

// ClientConfig tunes the HTTP transport of a Client.
type ClientConfig struct {
	// SocketTimeout bounds the wait for response headers per request.
	SocketTimeout time.Duration

	// RetryCount is the number of repeats after socket-level failures.
	// HTTP status codes are never retried here.
	RetryCount int

	// MaxConnectionsPerRoute bounds the connection pool per host.
	MaxConnectionsPerRoute int

	// Insecure disables TLS certificate verification. Use this with great
	// caution as it opens up man-in-the-middle attacks.
	Insecure bool
}

// A Client is a bulk data client which combines an HTTP client with the base
// URL of a FHIR server and a token provider. Protocol requests (kick-off and
// status polling) always carry the bearer token; download requests carry it
// only when their URL shares scheme, host and port with the base URL.
type Client struct {
	httpClient http.Client
	baseURL    url.URL
	provider   auth.Provider
	retryCount int
}

// NewClient creates a new Client with the given base URL, token provider and
// transport configuration.
func NewClient(fhirServerBaseURL url.URL, provider auth.Provider, config ClientConfig) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if config.MaxConnectionsPerRoute > 0 {
		t.MaxConnsPerHost = config.MaxConnectionsPerRoute
		t.MaxIdleConnsPerHost = config.MaxConnectionsPerRoute
	}
	if config.SocketTimeout > 0 {
		t.ResponseHeaderTimeout = config.SocketTimeout
	}
	t.TLSClientConfig.InsecureSkipVerify = config.Insecure

	if provider == nil {
		provider = auth.None()
	}

	return &Client{
		httpClient: http.Client{Transport: t},
		baseURL:    fhirServerBaseURL,
		provider:   provider,
		retryCount: config.RetryCount,
	}
}

// BaseURL returns the base URL of the FHIR server.
func (c *Client) BaseURL() url.URL {
	return c.baseURL
}

// NewKickOffRequest creates a kick-off request using GET with the export
// parameters in the query string. The path elements are resolved against the
// base URL.
func (c *Client) NewKickOffRequest(query url.Values, pathElements ...string) (*http.Request, error) {
	kickOffURL := c.baseURL.JoinPath(pathElements...)
	kickOffURL.RawQuery = query.Encode()
	req, err := http.NewRequest(http.MethodGet, kickOffURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", FHIRJSONType)
	req.Header.Add("Prefer", "respond-async")
	return req, nil
}

// NewKickOffPostRequest creates a kick-off request using POST with a FHIR
// Parameters resource as body.
func (c *Client) NewKickOffPostRequest(body io.Reader, pathElements ...string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL.JoinPath(pathElements...).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", FHIRJSONType)
	req.Header.Add("Content-Type", FHIRJSONTypeUTF8)
	req.Header.Add("Prefer", "respond-async")
	return req, nil
}

// NewStatusRequest creates a poll request against the status URL a kick-off
// returned in Content-Location.
func (c *Client) NewStatusRequest(statusURL string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", JSONType)
	return req, nil
}

// NewDownloadRequest creates a request for one manifest output URL.
func (c *Client) NewDownloadRequest(fileURL string) (*http.Request, error) {
	return http.NewRequest(http.MethodGet, fileURL, nil)
}

// Do executes a protocol request. The bearer token is always attached.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req, true)
}

// DoDownload executes a download request. Manifest URLs are opaque and may
// point at a CDN, so the bearer token is only attached when the URL shares
// scheme, host and port with the FHIR server.
func (c *Client) DoDownload(req *http.Request) (*http.Response, error) {
	return c.do(req, c.sameOrigin(req.URL))
}

func (c *Client) do(req *http.Request, authorize bool) (*http.Response, error) {
	if authorize {
		credential, err := c.provider.Credential(req.Context())
		if err != nil {
			return nil, err
		}
		if credential != nil {
			req.Header.Set("Authorization", "Bearer "+credential.Value)
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = c.httpClient.Do(req)
		if err == nil || attempt >= c.retryCount {
			return resp, err
		}
		if req.Body != nil {
			if req.GetBody == nil {
				return resp, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return resp, err
			}
			req.Body = body
		}
	}
}

// sameOrigin reports whether u points at the same scheme, host and port as
// the base URL, with default ports normalized.
func (c *Client) sameOrigin(u *url.URL) bool {
	return u.Scheme == c.baseURL.Scheme &&
		u.Hostname() == c.baseURL.Hostname() &&
		portOrDefault(u) == portOrDefault(&c.baseURL)
}

func portOrDefault(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch u.Scheme {
	case "https":
		return "443"
	default:
		return "80"
	}
}

// CloseIdleConnections calls CloseIdleConnections on the HTTP client of the
// bulk data client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
