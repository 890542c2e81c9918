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
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	config := DefaultConfig()
	config.FHIREndpointURL = "http://srv/fhir"
	config.OutputDir = "/tmp/out"
	return config
}

func violationPaths(violations []Violation) []string {
	paths := make([]string, 0, len(violations))
	for _, violation := range violations {
		paths = append(paths, violation.Path)
	}
	return paths
}

func TestValidate(t *testing.T) {
	t.Run("ValidConfiguration", func(t *testing.T) {
		assert.Empty(t, Validate(validConfig(), Request{}))
	})

	t.Run("AllViolationsReportedTogether", func(t *testing.T) {
		config := validConfig()
		config.FHIREndpointURL = "invalid.url"
		config.Auth.Enabled = true

		violations := Validate(config, Request{})

		assert.Equal(t, []string{
			"authConfig",
			"authConfig.clientId",
			"authConfig.tokenEndpoint",
			"fhirEndpointUrl",
		}, violationPaths(violations))
	})

	t.Run("ViolationsAreSortedByPath", func(t *testing.T) {
		config := Config{}
		config.Auth.Enabled = true

		violations := Validate(config, Request{})

		assert.True(t, sort.SliceIsSorted(violations, func(i, j int) bool {
			return violations[i].Path < violations[j].Path
		}))
	})

	t.Run("DisabledAuthMasksAuthViolations", func(t *testing.T) {
		config := validConfig()
		config.Auth.Enabled = false
		config.Auth.ExpiryTolerance = -1

		assert.Empty(t, Validate(config, Request{}))
	})

	t.Run("SMARTDiscoveryReplacesTokenEndpoint", func(t *testing.T) {
		config := validConfig()
		config.Auth.Enabled = true
		config.Auth.ClientID = "client-1"
		config.Auth.ClientSecret = "secret-1"
		config.Auth.UseSMART = true

		assert.Empty(t, Validate(config, Request{}))
	})

	t.Run("PrivateKeyJWKCountsAsSecret", func(t *testing.T) {
		config := validConfig()
		config.Auth.Enabled = true
		config.Auth.ClientID = "client-1"
		config.Auth.PrivateKeyJWK = `{"kty":"RSA"}`
		config.Auth.TokenEndpoint = "http://srv/token"

		assert.Empty(t, Validate(config, Request{}))
	})

	t.Run("SystemLevelRefusesPatients", func(t *testing.T) {
		request := Request{
			Level:    SystemLevel(),
			Patients: PatientReferences([]string{"Patient/0001"}),
		}

		violations := Validate(validConfig(), request)

		assert.Equal(t, []string{"patients"}, violationPaths(violations))
	})

	t.Run("PatientLevelAdmitsPatients", func(t *testing.T) {
		request := Request{
			Level:    PatientLevel(),
			Patients: PatientReferences([]string{"Patient/0001"}),
		}

		assert.Empty(t, Validate(validConfig(), request))
	})

	t.Run("GroupLevelNeedsID", func(t *testing.T) {
		violations := Validate(validConfig(), Request{Level: GroupLevel("")})

		assert.Equal(t, []string{"level.groupId"}, violationPaths(violations))
	})

	t.Run("ConcurrencyBelowOne", func(t *testing.T) {
		config := validConfig()
		config.MaxConcurrentDownloads = 0

		violations := Validate(config, Request{})

		assert.Equal(t, []string{"maxConcurrentDownloads"}, violationPaths(violations))
	})

	t.Run("NegativeExpiryTolerance", func(t *testing.T) {
		config := validConfig()
		config.Auth.Enabled = true
		config.Auth.ClientID = "client-1"
		config.Auth.ClientSecret = "secret-1"
		config.Auth.TokenEndpoint = "http://srv/token"
		config.Auth.ExpiryTolerance = -1

		violations := Validate(config, Request{})

		assert.Equal(t, []string{"authConfig.tokenExpiryTolerance"}, violationPaths(violations))
	})
}
