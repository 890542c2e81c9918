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
	"sync"
	"time"

	"github.com/samply/bulkectl/fhir"
	"github.com/samply/bulkectl/store"
	"github.com/samply/bulkectl/util"
)

// A DownloadEntry pairs one manifest URL with its destination file.
type DownloadEntry struct {
	Source      string
	Destination store.Handle
}

// OutputEntries expands the manifest output list into download entries. The
// destination name is <Type>.<NNNN>.<extension> where NNNN counts the URLs
// of one resource type in manifest order, zero-padded to four digits.
func OutputEntries(output []FileItem, dir store.Handle, extension string) []DownloadEntry {
	counters := make(map[string]int)
	entries := make([]DownloadEntry, 0, len(output))
	for _, item := range output {
		index := counters[item.Type]
		counters[item.Type] = index + 1
		name := fmt.Sprintf("%s.%04d.%s", item.Type, index, extension)
		entries = append(entries, DownloadEntry{
			Source:      item.URL,
			Destination: dir.Child(name),
		})
	}
	return entries
}

// downloader transfers the manifest files through a bounded worker pool. The
// first failing worker cancels all others; already written files stay in
// place.
type downloader struct {
	client      *fhir.Client
	concurrency int
	timeout     time.Duration
	onComplete  func(FileResult)
}

// deadlineTick is the granularity of the deadline supervision during
// downloads.
const deadlineTick = time.Second

// downloadAll transfers all entries and returns one FileResult per entry in
// entry order, regardless of completion order.
func (d *downloader) downloadAll(ctx context.Context, entries []DownloadEntry, deadline util.Deadline) ([]FileResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]FileResult, len(entries))
	errs := make(chan error, len(entries))
	sem := make(chan struct{}, d.concurrency)

	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry DownloadEntry) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			start := time.Now()
			size, err := d.downloadFile(ctx, entry)
			if err != nil {
				errs <- err
				cancel()
				return
			}
			result := FileResult{
				Source:      entry.Source,
				Destination: entry.Destination.URI(),
				Size:        size,
				Duration:    time.Since(start),
			}
			results[i] = result
			if d.onComplete != nil {
				d.onComplete(result)
			}
		}(i, entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(deadlineTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			select {
			case err := <-errs:
				// Workers racing an expiring context fail before the next
				// supervision tick; the user-facing reason is still the
				// deadline.
				if deadline.Expired() {
					return nil, &TimeoutError{Limit: d.timeout}
				}
				return nil, err
			default:
				return results, nil
			}
		case <-ticker.C:
			if deadline.Expired() {
				cancel()
				<-done
				return nil, &TimeoutError{Limit: d.timeout}
			}
		}
	}
}

// downloadFile transfers one file and returns the written byte count.
func (d *downloader) downloadFile(ctx context.Context, entry DownloadEntry) (int64, error) {
	req, err := d.client.NewDownloadRequest(entry.Source)
	if err != nil {
		return 0, &DownloadError{URL: entry.Source, Cause: err}
	}

	resp, err := d.client.DoDownload(req.WithContext(ctx))
	if err != nil {
		return 0, &DownloadError{URL: entry.Source, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &DownloadError{URL: entry.Source, Cause: &HTTPError{StatusCode: resp.StatusCode}}
	}

	size, err := entry.Destination.WriteAll(resp.Body)
	if err != nil {
		return size, &DownloadError{URL: entry.Source, Cause: err}
	}
	return size, nil
}
