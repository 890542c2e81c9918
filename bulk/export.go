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

// Package bulk drives the FHIR Bulk Data Access export protocol: kick-off,
// status polling with server-driven pacing and a transient-error budget, and
// the parallel download of the result files.
package bulk

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/samply/bulkectl/auth"
	"github.com/samply/bulkectl/fhir"
	"github.com/samply/bulkectl/store"
	"github.com/samply/bulkectl/util"
)

// successMarker is the zero-byte sentinel written after all downloads
// finished. Its presence is the sole on-disk completion signal.
const successMarker = "_SUCCESS"

// FileResult describes one materialized result file.
type FileResult struct {
	Source      string
	Destination string
	Size        int64
	Duration    time.Duration
}

// Result summarizes a finished export.
type Result struct {
	TransactionTime time.Time
	Files           []FileResult
}

// Export runs one bulk data export: it validates the configuration, drives
// the kick-off and the status poll loop, downloads all result files into the
// output directory and finishes with the _SUCCESS marker. All acquired
// resources are released on every exit path. Partially downloaded files are
// left in place on failure; only the missing marker tells the directory is
// incomplete.
func Export(ctx context.Context, config Config, request Request) (*Result, error) {
	if violations := Validate(config, request); len(violations) > 0 {
		return nil, &ConfigurationError{Violations: violations}
	}

	dir, err := store.Local(config.OutputDir)
	if err != nil {
		return nil, &SystemError{Cause: err}
	}
	exists, err := dir.Exists()
	if err != nil {
		return nil, &SystemError{Cause: err}
	}
	if exists {
		return nil, &ConfigurationError{Violations: []Violation{
			{Path: "outputDir", Message: "the output directory " + config.OutputDir + " already exists"},
		}}
	}

	deadline := util.NewDeadline(config.Timeout)
	if at, ok := deadline.Time(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, at)
		defer cancel()
	}

	baseURL, err := url.ParseRequestURI(strings.TrimSuffix(config.FHIREndpointURL, "/"))
	if err != nil {
		return nil, &SystemError{Cause: err}
	}

	provider := auth.NewProvider(config.Auth, config.FHIREndpointURL, nil, config.Logger)
	client := fhir.NewClient(*baseURL, provider, fhir.ClientConfig{
		SocketTimeout:          config.HTTP.SocketTimeout,
		RetryCount:             config.HTTP.RetryCount,
		MaxConnectionsPerRoute: config.HTTP.MaxConnectionsPerRoute,
		Insecure:               config.Insecure,
	})
	defer client.CloseIdleConnections()

	if config.HTTP.MaxConnectionsPerRoute > 0 && config.HTTP.MaxConnectionsPerRoute < config.MaxConcurrentDownloads {
		config.Logger.Warn().
			Int("maxConnectionsPerRoute", config.HTTP.MaxConnectionsPerRoute).
			Int("maxConcurrentDownloads", config.MaxConcurrentDownloads).
			Msg("the connection pool is smaller than the download worker pool")
	}

	e := &exporter{
		config:   config,
		protocol: protocolClient{client: client},
		downloader: downloader{
			client:      client,
			concurrency: config.MaxConcurrentDownloads,
			timeout:     config.Timeout,
			onComplete:  config.OnFileComplete,
		},
	}
	return e.run(ctx, request, dir, deadline)
}

type exporter struct {
	config     Config
	protocol   protocolClient
	downloader downloader
}

func (e *exporter) run(ctx context.Context, request Request, dir store.Handle, deadline util.Deadline) (*Result, error) {
	e.config.Logger.Info().Stringer("level", request.Level).Msg("starting export")

	accepted, manifest, err := e.protocol.kickOff(ctx, request)
	if err != nil {
		return nil, err
	}

	if manifest == nil {
		pollURL, err := statusURL(accepted)
		if err != nil {
			return nil, err
		}
		manifest, err = e.poll(ctx, pollURL, deadline)
		if err != nil {
			return nil, err
		}
	}

	e.config.Logger.Info().
		Int("files", len(manifest.Output)).
		Time("transactionTime", manifest.TransactionTime.Time).
		Msg("export ready for download")
	if e.config.OnManifest != nil {
		e.config.OnManifest(len(manifest.Output))
	}

	if err := dir.Mkdir(); err != nil {
		return nil, &SystemError{Cause: err}
	}

	entries := OutputEntries(manifest.Output, dir, e.config.extension())
	files, err := e.downloader.downloadAll(ctx, entries, deadline)
	if err != nil {
		return nil, err
	}

	if _, err := dir.Child(successMarker).WriteAll(strings.NewReader("")); err != nil {
		return nil, &SystemError{Cause: err}
	}

	return &Result{TransactionTime: manifest.TransactionTime.Time, Files: files}, nil
}

// poll drives the status loop: server-paced delays clamped by the maximum
// polling delay, and a cumulative budget of transient server errors that no
// intermediate success resets.
func (e *exporter) poll(ctx context.Context, pollURL string, deadline util.Deadline) (*Manifest, error) {
	async := e.config.Async
	transientErrors := 0

	for {
		if deadline.Expired() {
			return nil, &TimeoutError{Limit: e.config.Timeout}
		}

		accepted, manifest, err := e.protocol.checkStatus(ctx, pollURL)
		if err != nil {
			if deadline.Expired() {
				return nil, &TimeoutError{Limit: e.config.Timeout}
			}
			var httpError *HTTPError
			if !errors.As(err, &httpError) || !httpError.Transient() {
				return nil, err
			}

			transientErrors++
			if transientErrors > async.MaxTransientErrors {
				return nil, err
			}

			delay := clampDelay(httpError.RetryAfter, async)
			e.config.Logger.Warn().
				Int("statusCode", httpError.StatusCode).
				Int("transientErrors", transientErrors).
				Dur("delay", delay).
				Msg("transient server error while polling")
			if err := e.sleep(ctx, delay, deadline); err != nil {
				return nil, err
			}
			continue
		}

		if manifest != nil {
			return manifest, nil
		}

		var retryAfter time.Duration
		if accepted.HasRetryAfter {
			retryAfter = accepted.RetryAfter
		}
		delay := clampDelay(retryAfter, async)
		event := e.config.Logger.Debug().Dur("delay", delay)
		if accepted.Progress != "" {
			event = event.Str("progress", accepted.Progress)
		}
		event.Msg("export still in progress")

		if err := e.sleep(ctx, delay, deadline); err != nil {
			return nil, err
		}
	}
}

// clampDelay resolves the delay until the next poll: the server suggestion
// when it is above zero, the minimum polling delay otherwise, never above
// the maximum polling delay.
func clampDelay(retryAfter time.Duration, async AsyncConfig) time.Duration {
	delay := retryAfter
	if delay <= 0 {
		delay = async.MinPollingDelay
	}
	if async.MaxPollingDelay > 0 && delay > async.MaxPollingDelay {
		delay = async.MaxPollingDelay
	}
	return delay
}

// sleep waits cooperatively and maps an expiring context onto the error
// kinds of the export.
func (e *exporter) sleep(ctx context.Context, delay time.Duration, deadline util.Deadline) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if deadline.Expired() {
			return &TimeoutError{Limit: e.config.Timeout}
		}
		return &SystemError{Cause: ctx.Err()}
	}
}
