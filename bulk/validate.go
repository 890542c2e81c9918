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
	"net/url"
	"sort"
)

// Validate checks the configuration and the request in one pass and returns
// every violation found, sorted by path. It is a pure function; no I/O
// happens here. Disabling authentication masks all auth-related checks.
func Validate(config Config, request Request) []Violation {
	var violations []Violation

	if config.FHIREndpointURL == "" {
		violations = append(violations, Violation{Path: "fhirEndpointUrl", Message: "must be set"})
	} else if !validURL(config.FHIREndpointURL) {
		violations = append(violations, Violation{Path: "fhirEndpointUrl", Message: "must be a valid URL"})
	}

	if config.OutputDir == "" {
		violations = append(violations, Violation{Path: "outputDir", Message: "must be set"})
	}

	if config.MaxConcurrentDownloads < 1 {
		violations = append(violations, Violation{Path: "maxConcurrentDownloads", Message: "must be at least 1"})
	}

	if config.Async.MaxTransientErrors < 0 {
		violations = append(violations, Violation{Path: "asyncConfig.maxTransientErrors", Message: "must not be negative"})
	}
	if config.Async.MinPollingDelay < 0 {
		violations = append(violations, Violation{Path: "asyncConfig.minPollingDelay", Message: "must not be negative"})
	}
	if config.Async.MaxPollingDelay > 0 && config.Async.MaxPollingDelay < config.Async.MinPollingDelay {
		violations = append(violations, Violation{Path: "asyncConfig.maxPollingDelay", Message: "must not be below the minimum polling delay"})
	}

	if len(request.Patients) > 0 && !request.Level.PatientSupported() {
		violations = append(violations, Violation{Path: "patients", Message: "a system level export does not admit a patient list"})
	}
	if request.Level.kind == levelGroup && request.Level.groupID == "" {
		violations = append(violations, Violation{Path: "level.groupId", Message: "must be set"})
	}
	for _, code := range request.IncludeAssociatedData {
		if code == "" {
			violations = append(violations, Violation{Path: "includeAssociatedData", Message: "codes must not be empty"})
			break
		}
	}

	if config.Auth.Enabled {
		if config.Auth.ClientID == "" {
			violations = append(violations, Violation{Path: "authConfig.clientId", Message: "must be set"})
		}
		if config.Auth.ClientSecret == "" && config.Auth.PrivateKeyJWK == "" {
			violations = append(violations, Violation{Path: "authConfig", Message: "either clientSecret or privateKeyJWK must be set"})
		}
		if !config.Auth.UseSMART && config.Auth.TokenEndpoint == "" {
			violations = append(violations, Violation{Path: "authConfig.tokenEndpoint", Message: "must be set unless SMART discovery is enabled"})
		}
		if config.Auth.ExpiryTolerance < 0 {
			violations = append(violations, Violation{Path: "authConfig.tokenExpiryTolerance", Message: "must not be negative"})
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
	return violations
}

func validURL(rawURL string) bool {
	u, err := url.ParseRequestURI(rawURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}
