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

package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/samply/bulkectl/bulk"
	"github.com/samply/bulkectl/fhir"
	"github.com/samply/bulkectl/util"
)

var (
	outputDir             string
	outputExtension       string
	requestFile           string
	groupID               string
	outputFormat          string
	since                 string
	types                 []string
	elements              []string
	typeFilters           []string
	includeAssociatedData []string
	patients              []string

	timeout            time.Duration
	concurrency        int
	maxTransientErrors int
	minPollingDelay    time.Duration
	maxPollingDelay    time.Duration

	retryCount             int
	socketTimeout          time.Duration
	maxConnectionsPerRoute int

	clientID             string
	clientSecret         string
	privateKeyFile       string
	tokenEndpoint        string
	useSMART             bool
	formCredentials      bool
	tokenExpiryTolerance time.Duration
	scopes               []string
)

// requestSpec is the YAML form of an export request usable with
// -f/--request-file.
type requestSpec struct {
	Level                 string   `yaml:"level"`
	Group                 string   `yaml:"group"`
	OutputFormat          string   `yaml:"outputFormat"`
	Since                 string   `yaml:"since"`
	Types                 []string `yaml:"types"`
	Elements              []string `yaml:"elements"`
	TypeFilters           []string `yaml:"typeFilters"`
	IncludeAssociatedData []string `yaml:"includeAssociatedData"`
	Patients              []string `yaml:"patients"`
}

var exportCmd = &cobra.Command{
	Use:   "export [system|patient|group]",
	Short: "Run a bulk data export",
	Long: `Runs the asynchronous Bulk Data Access $export operation and downloads the
resulting NDJSON files into the output directory.

The export scope is the whole system by default; patient exports all patient
compartments and group (together with --group) one patient group. A request
can also be read from a YAML file given with -f.

Example:

  bulkectl export --server http://localhost:8080/fhir -o ~/Downloads/export
  bulkectl export group --server http://localhost:8080/fhir --group id0001 \
      --type Patient,Condition -o export`,
	ValidArgs: []string{"system", "patient", "group"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		request, err := buildRequest(args)
		if err != nil {
			return err
		}

		config, err := buildConfig()
		if err != nil {
			return err
		}

		var mu sync.Mutex
		var durations []float64
		var totalBytesIn int64
		progress := mpb.New()
		var bar *mpb.Bar

		config.OnManifest = func(files int) {
			bar = progress.AddBar(int64(files),
				mpb.BarRemoveOnComplete(),
				mpb.PrependDecorators(
					decor.Name("download "),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(decor.Percentage()),
			)
		}
		config.OnFileComplete = func(file bulk.FileResult) {
			mu.Lock()
			durations = append(durations, file.Duration.Seconds())
			totalBytesIn += file.Size
			mu.Unlock()
			bar.Increment()
		}

		fmt.Printf("Starting export from %s ...\n", server)
		start := time.Now()

		result, err := bulk.Export(cmd.Context(), config, request)
		if bar != nil {
			bar.Abort(true)
		}
		progress.Wait()
		if err != nil {
			return err
		}

		fmt.Printf("Transaction Time  [server]                 %s\n", fhir.FormatInstant(result.TransactionTime))
		fmt.Printf("Files             [total, concurrency]     %d, %d\n", len(result.Files), config.MaxConcurrentDownloads)
		fmt.Printf("Duration          [total]                  %s\n", util.FmtDurationHumanReadable(time.Since(start)))
		if len(durations) > 0 {
			p := util.CalculateDurationStatistics(durations)
			fmt.Printf("Latencies         [mean, 50, 95, 99, max]  %s, %s, %s, %s, %s\n", p.Mean, p.Q50, p.Q95, p.Q99, p.Max)
			fmt.Printf("Bytes In          [total, mean]            %s, %s\n",
				util.FmtBytesHumanReadable(float32(totalBytesIn)),
				util.FmtBytesHumanReadable(float32(totalBytesIn)/float32(len(durations))))
		}
		fmt.Printf("Output Directory  [path]                   %s\n", config.OutputDir)
		return nil
	},
}

// buildRequest combines the YAML request file (if any) with the command line
// flags; flags win over file values.
func buildRequest(args []string) (bulk.Request, error) {
	var spec requestSpec
	if requestFile != "" {
		content, err := os.ReadFile(requestFile)
		if err != nil {
			return bulk.Request{}, fmt.Errorf("error while reading the request file %s: %w", requestFile, err)
		}
		if err := yaml.Unmarshal(content, &spec); err != nil {
			return bulk.Request{}, fmt.Errorf("error while parsing the request file %s: %w", requestFile, err)
		}
	}

	levelName := spec.Level
	if len(args) > 0 {
		levelName = args[0]
	}
	group := spec.Group
	if groupID != "" {
		group = groupID
	}

	var level bulk.Level
	switch levelName {
	case "", "system":
		level = bulk.SystemLevel()
	case "patient":
		level = bulk.PatientLevel()
	case "group":
		level = bulk.GroupLevel(group)
	default:
		return bulk.Request{}, fmt.Errorf("unknown export level %s", levelName)
	}

	request := bulk.Request{
		Level:        level,
		OutputFormat: firstNonEmpty(outputFormat, spec.OutputFormat),
		Types:        firstNonEmptyList(types, spec.Types),
		Elements:     firstNonEmptyList(elements, spec.Elements),
		TypeFilters:  firstNonEmptyList(typeFilters, spec.TypeFilters),
		Patients:     bulk.PatientReferences(firstNonEmptyList(patients, spec.Patients)),
	}

	for _, code := range firstNonEmptyList(includeAssociatedData, spec.IncludeAssociatedData) {
		request.IncludeAssociatedData = append(request.IncludeAssociatedData, bulk.CustomAssociatedData(code))
	}

	if sinceValue := firstNonEmpty(since, spec.Since); sinceValue != "" {
		instant, err := fhir.ParseInstant(sinceValue)
		if err != nil {
			return bulk.Request{}, err
		}
		request.Since = instant
	}

	return request, nil
}

func buildConfig() (bulk.Config, error) {
	config := bulk.DefaultConfig()
	config.FHIREndpointURL = server
	config.OutputDir = outputDir
	config.OutputExtension = outputExtension
	config.MaxConcurrentDownloads = concurrency
	config.Timeout = timeout
	config.Insecure = insecure
	config.Logger = newLogger()

	config.Async.MaxTransientErrors = maxTransientErrors
	config.Async.MinPollingDelay = minPollingDelay
	config.Async.MaxPollingDelay = maxPollingDelay

	config.HTTP.RetryCount = retryCount
	config.HTTP.SocketTimeout = socketTimeout
	config.HTTP.MaxConnectionsPerRoute = maxConnectionsPerRoute

	if clientID != "" {
		config.Auth.Enabled = true
		config.Auth.ClientID = clientID
		config.Auth.ClientSecret = clientSecret
		config.Auth.TokenEndpoint = tokenEndpoint
		config.Auth.UseSMART = useSMART
		config.Auth.UseFormForBasicAuth = formCredentials
		config.Auth.ExpiryTolerance = tokenExpiryTolerance
		config.Auth.Scopes = scopes
		if privateKeyFile != "" {
			jwk, err := os.ReadFile(privateKeyFile)
			if err != nil {
				return config, fmt.Errorf("error while reading the private key file %s: %w", privateKeyFile, err)
			}
			config.Auth.PrivateKeyJWK = string(jwk)
		}
	}

	return config, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, list := range lists {
		if len(list) > 0 {
			return list
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory the result files get written to")
	exportCmd.Flags().StringVar(&outputExtension, "output-extension", "ndjson", "file extension of the result files")
	exportCmd.Flags().StringVarP(&requestFile, "request-file", "f", "", "YAML file with the export request")
	exportCmd.Flags().StringVar(&groupID, "group", "", "id of the group to export")
	exportCmd.Flags().StringVar(&outputFormat, "output-format", "", "requested output format of the result files")
	exportCmd.Flags().StringVar(&since, "since", "", "only include resources changed at or after this instant")
	exportCmd.Flags().StringSliceVarP(&types, "type", "t", nil, "resource types to include")
	exportCmd.Flags().StringSliceVar(&elements, "elements", nil, "elements to include per resource")
	exportCmd.Flags().StringArrayVar(&typeFilters, "type-filter", nil, "FHIR search queries further restricting the types")
	exportCmd.Flags().StringArrayVar(&includeAssociatedData, "include-associated-data", nil, "associated data codes to include")
	exportCmd.Flags().StringArrayVar(&patients, "patient", nil, "patient references to restrict the export to")

	exportCmd.Flags().DurationVar(&timeout, "timeout", 0, "overall wall-clock budget of the export; 0 means no deadline")
	exportCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "number of parallel downloads")
	exportCmd.Flags().IntVar(&maxTransientErrors, "max-transient-errors", 3, "transient server errors tolerated while polling")
	exportCmd.Flags().DurationVar(&minPollingDelay, "min-polling-delay", time.Second, "poll delay when the server sends no Retry-After")
	exportCmd.Flags().DurationVar(&maxPollingDelay, "max-polling-delay", time.Minute, "ceiling for server-suggested poll delays")

	exportCmd.Flags().IntVar(&retryCount, "retry-count", 2, "retries after socket-level failures")
	exportCmd.Flags().DurationVar(&socketTimeout, "socket-timeout", 30*time.Second, "per-request read timeout")
	exportCmd.Flags().IntVar(&maxConnectionsPerRoute, "max-connections-per-route", 20, "connection pool ceiling per host")

	exportCmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client id; setting it enables authentication")
	exportCmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	exportCmd.Flags().StringVar(&privateKeyFile, "private-key-file", "", "JWK file with the private key for signed client assertions")
	exportCmd.Flags().StringVar(&tokenEndpoint, "token-endpoint", "", "explicit OAuth token endpoint")
	exportCmd.Flags().BoolVar(&useSMART, "smart", false, "discover the token endpoint through the SMART configuration")
	exportCmd.Flags().BoolVar(&formCredentials, "form-credentials", false, "send client id and secret in the form body instead of the Basic header")
	exportCmd.Flags().DurationVar(&tokenExpiryTolerance, "token-expiry-tolerance", 30*time.Second, "safety margin before a cached token is refreshed")
	exportCmd.Flags().StringArrayVar(&scopes, "scope", nil, "OAuth scopes to request")

	_ = exportCmd.MarkFlagRequired("output-dir")
	_ = exportCmd.MarkFlagDirname("output-dir")
	_ = exportCmd.MarkFlagFilename("request-file", "yml", "yaml")
}
