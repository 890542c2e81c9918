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
	"time"

	"github.com/rs/zerolog"

	"github.com/samply/bulkectl/auth"
)

// AsyncConfig tunes the status poll loop.
type AsyncConfig struct {
	// MaxTransientErrors bounds the cumulative number of transient server
	// errors tolerated over the whole poll before the export fails. The
	// budget is never reset by intermediate successes.
	MaxTransientErrors int

	// MinPollingDelay is the delay between polls when the server does not
	// send Retry-After.
	MinPollingDelay time.Duration

	// MaxPollingDelay caps any server-suggested delay.
	MaxPollingDelay time.Duration
}

// HTTPClientConfig tunes the HTTP transport.
type HTTPClientConfig struct {
	// RetryCount repeats requests after socket-level failures.
	RetryCount int

	// SocketTimeout bounds the wait for response headers per request.
	SocketTimeout time.Duration

	// MaxConnectionsPerRoute bounds the connection pool per host.
	MaxConnectionsPerRoute int
}

// Config holds everything an Exporter needs besides the request itself.
type Config struct {
	// FHIREndpointURL is the base URL of the FHIR server.
	FHIREndpointURL string

	// OutputDir is the destination directory. It must not exist yet; the
	// exporter creates it.
	OutputDir string

	// OutputExtension is the file extension of the result files, without
	// the dot. Empty means ndjson.
	OutputExtension string

	// MaxConcurrentDownloads is the width of the download worker pool.
	MaxConcurrentDownloads int

	// Timeout is the overall wall-clock budget of the export covering
	// kick-off, polling and downloading. Zero or below means no deadline.
	Timeout time.Duration

	// Insecure disables TLS certificate verification.
	Insecure bool

	Async AsyncConfig
	HTTP  HTTPClientConfig
	Auth  auth.Config

	// Logger receives progress and retry events. The zero value is silent.
	Logger zerolog.Logger

	// OnManifest, if set, is called once with the number of result files as
	// soon as the manifest is known, before any download starts.
	OnManifest func(files int)

	// OnFileComplete, if set, is called after each successfully downloaded
	// file. Calls can come from concurrent workers.
	OnFileComplete func(FileResult)
}

// DefaultConfig returns a Config with the documented defaults. The FHIR
// endpoint and the output directory stay empty and have to be set by the
// caller.
func DefaultConfig() Config {
	return Config{
		OutputExtension:        "ndjson",
		MaxConcurrentDownloads: 4,
		Async: AsyncConfig{
			MaxTransientErrors: 3,
			MinPollingDelay:    time.Second,
			MaxPollingDelay:    time.Minute,
		},
		HTTP: HTTPClientConfig{
			RetryCount:             2,
			SocketTimeout:          30 * time.Second,
			MaxConnectionsPerRoute: 20,
		},
		Auth: auth.Config{
			ExpiryTolerance: 30 * time.Second,
		},
		Logger: zerolog.Nop(),
	}
}

// extension returns the configured output extension or its default.
func (c Config) extension() string {
	if c.OutputExtension == "" {
		return "ndjson"
	}
	return c.OutputExtension
}
