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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samply/bulkectl/fhir"
	"github.com/samply/bulkectl/store"
	"github.com/samply/bulkectl/util"
)

func entryNames(entries []DownloadEntry) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Destination.Name())
	}
	return names
}

func TestOutputEntries(t *testing.T) {
	dir, err := store.Local(t.TempDir())
	require.NoError(t, err)

	t.Run("OneFilePerType", func(t *testing.T) {
		output := []FileItem{
			{Type: "Patient", URL: "http://srv/d/1"},
			{Type: "Condition", URL: "http://srv/d/2"},
		}

		entries := OutputEntries(output, dir, "ndjson")

		assert.Equal(t, []string{"Patient.0000.ndjson", "Condition.0000.ndjson"}, entryNames(entries))
	})

	t.Run("CountersArePerType", func(t *testing.T) {
		output := []FileItem{
			{Type: "Condition", URL: "http://srv/d/1"},
			{Type: "Condition", URL: "http://srv/d/2"},
			{Type: "Patient", URL: "http://srv/d/3"},
			{Type: "Condition", URL: "http://srv/d/4"},
		}

		entries := OutputEntries(output, dir, "ndjson")

		assert.Equal(t, []string{
			"Condition.0000.ndjson",
			"Condition.0001.ndjson",
			"Patient.0000.ndjson",
			"Condition.0002.ndjson",
		}, entryNames(entries))
	})

	t.Run("CustomExtension", func(t *testing.T) {
		entries := OutputEntries([]FileItem{{Type: "Patient", URL: "u"}}, dir, "jsonl")

		assert.Equal(t, []string{"Patient.0000.jsonl"}, entryNames(entries))
	})

	t.Run("SourcePreservesManifestOrder", func(t *testing.T) {
		output := []FileItem{
			{Type: "Patient", URL: "http://srv/d/1"},
			{Type: "Patient", URL: "http://srv/d/2"},
		}

		entries := OutputEntries(output, dir, "ndjson")

		assert.Equal(t, "http://srv/d/1", entries[0].Source)
		assert.Equal(t, "http://srv/d/2", entries[1].Source)
	})
}

func newTestDownloader(t *testing.T, serverURL string, concurrency int) *downloader {
	t.Helper()
	baseURL, err := url.ParseRequestURI(serverURL)
	require.NoError(t, err)
	return &downloader{
		client:      fhir.NewClient(*baseURL, nil, fhir.ClientConfig{}),
		concurrency: concurrency,
	}
}

func TestDownloadAll(t *testing.T) {
	t.Run("ResultsPreserveEntryOrder", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The first entry finishes last.
			if r.URL.Path == "/d/1" {
				time.Sleep(100 * time.Millisecond)
			}
			fmt.Fprint(w, "content of ", r.URL.Path)
		}))
		defer server.Close()

		dir, err := store.Local(t.TempDir())
		require.NoError(t, err)
		entries := []DownloadEntry{
			{Source: server.URL + "/d/1", Destination: dir.Child("Patient.0000.ndjson")},
			{Source: server.URL + "/d/2", Destination: dir.Child("Patient.0001.ndjson")},
		}

		d := newTestDownloader(t, server.URL, 2)
		results, err := d.downloadAll(context.Background(), entries, util.Deadline{})

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, server.URL+"/d/1", results[0].Source)
		assert.Equal(t, server.URL+"/d/2", results[1].Source)
		assert.Equal(t, int64(len("content of /d/1")), results[0].Size)
	})

	t.Run("FirstFailureWins", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/d/2" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, "ok")
		}))
		defer server.Close()

		dir, err := store.Local(t.TempDir())
		require.NoError(t, err)
		entries := []DownloadEntry{
			{Source: server.URL + "/d/1", Destination: dir.Child("Patient.0000.ndjson")},
			{Source: server.URL + "/d/2", Destination: dir.Child("Patient.0001.ndjson")},
		}

		d := newTestDownloader(t, server.URL, 2)
		_, err = d.downloadAll(context.Background(), entries, util.Deadline{})

		var downloadError *DownloadError
		require.ErrorAs(t, err, &downloadError)
		assert.Equal(t, server.URL+"/d/2", downloadError.URL)

		var httpError *HTTPError
		require.ErrorAs(t, err, &httpError)
		assert.Equal(t, http.StatusNotFound, httpError.StatusCode)
	})

	t.Run("DeadlineCancelsWorkers", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer server.Close()
		defer close(release)

		dir, err := store.Local(t.TempDir())
		require.NoError(t, err)
		entries := []DownloadEntry{
			{Source: server.URL + "/d/1", Destination: dir.Child("Patient.0000.ndjson")},
			{Source: server.URL + "/d/2", Destination: dir.Child("Patient.0001.ndjson")},
		}

		d := newTestDownloader(t, server.URL, 2)
		d.timeout = 5 * time.Second

		start := time.Now()
		_, err = d.downloadAll(context.Background(), entries, util.NewDeadline(1500*time.Millisecond))

		var timeoutError *TimeoutError
		require.ErrorAs(t, err, &timeoutError)
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("ConcurrencyIsBounded", func(t *testing.T) {
		var mu sync.Mutex
		var active, peak int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			fmt.Fprint(w, "ok")
		}))
		defer server.Close()

		dir, err := store.Local(t.TempDir())
		require.NoError(t, err)
		var entries []DownloadEntry
		for i := 0; i < 6; i++ {
			entries = append(entries, DownloadEntry{
				Source:      fmt.Sprintf("%s/d/%d", server.URL, i),
				Destination: dir.Child(fmt.Sprintf("Patient.%04d.ndjson", i)),
			})
		}

		d := newTestDownloader(t, server.URL, 2)
		_, err = d.downloadAll(context.Background(), entries, util.Deadline{})

		require.NoError(t, err)
		assert.LessOrEqual(t, peak, 2)
	})
}
