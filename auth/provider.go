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

// Package auth acquires bearer tokens for SMART-on-FHIR servers using the
// OAuth 2.0 client-credentials grant, either with a client secret or with a
// signed JWT assertion (SMART Backend Services).
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the client registration and the token endpoint location.
type Config struct {
	// Enabled switches authentication on. All other fields are ignored when
	// false.
	Enabled bool

	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret selects the symmetric client-credentials profile.
	ClientSecret string

	// PrivateKeyJWK is a JSON Web Key holding the private key for the
	// asymmetric profile. The signing algorithm is taken from the key's alg
	// field. Takes precedence over ClientSecret when both are set.
	PrivateKeyJWK string

	// Scopes are the OAuth scopes requested with each token.
	Scopes []string

	// TokenEndpoint is the explicit token endpoint URL. Ignored when
	// UseSMART is true.
	TokenEndpoint string

	// UseSMART enables token endpoint discovery through the server's
	// /.well-known/smart-configuration document.
	UseSMART bool

	// UseFormForBasicAuth sends the client id and secret in the form body
	// instead of the Authorization: Basic header.
	UseFormForBasicAuth bool

	// ExpiryTolerance is the safety margin before a cached token counts as
	// expired and gets refreshed.
	ExpiryTolerance time.Duration
}

// Symmetric reports whether the client secret profile applies.
func (c Config) Symmetric() bool {
	return c.PrivateKeyJWK == ""
}

// A Credential is a read-only snapshot of a bearer token.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// A Provider hands out credentials for outgoing requests. A nil credential
// with a nil error means the request goes out unauthenticated.
type Provider interface {
	Credential(ctx context.Context) (*Credential, error)
}

type noneProvider struct{}

func (noneProvider) Credential(context.Context) (*Credential, error) {
	return nil, nil
}

// None returns the Provider used when authentication is disabled.
func None() Provider {
	return noneProvider{}
}

// clientCredentials acquires and caches one token per provider instance.
type clientCredentials struct {
	config       Config
	fhirEndpoint string
	httpClient   *http.Client
	logger       zerolog.Logger

	mu       sync.Mutex
	tokenURL string
	token    *Credential
}

// NewProvider creates a Provider for the given configuration against the
// given FHIR endpoint. With authentication disabled it returns None().
func NewProvider(config Config, fhirEndpoint string, httpClient *http.Client, logger zerolog.Logger) Provider {
	if !config.Enabled {
		return None()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &clientCredentials{
		config:       config,
		fhirEndpoint: fhirEndpoint,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// Credential returns the cached token as long as its remaining lifetime
// stays above the configured tolerance and refreshes it synchronously
// otherwise. Concurrent callers block on one refresh.
func (p *clientCredentials) Credential(ctx context.Context) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != nil && time.Until(p.token.ExpiresAt) > p.config.ExpiryTolerance {
		snapshot := *p.token
		return &snapshot, nil
	}

	if err := p.resolveTokenURL(ctx); err != nil {
		return nil, err
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return nil, err
	}
	p.token = token

	p.logger.Debug().Time("expiresAt", token.ExpiresAt).Msg("acquired access token")

	snapshot := *token
	return &snapshot, nil
}

// smartConfiguration is the subset of the SMART discovery document needed
// here.
type smartConfiguration struct {
	TokenEndpoint string `json:"token_endpoint"`
}

func (p *clientCredentials) resolveTokenURL(ctx context.Context) error {
	if p.tokenURL != "" {
		return nil
	}

	if !p.config.UseSMART {
		p.tokenURL = p.config.TokenEndpoint
		return nil
	}

	wellKnown := strings.TrimSuffix(p.fhirEndpoint, "/") + "/.well-known/smart-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error while fetching the SMART configuration from %s: %w", wellKnown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d while fetching the SMART configuration from %s", resp.StatusCode, wellKnown)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var smartConfig smartConfiguration
	if err := json.Unmarshal(body, &smartConfig); err != nil {
		return fmt.Errorf("error while parsing the SMART configuration from %s: %w", wellKnown, err)
	}
	if smartConfig.TokenEndpoint == "" {
		return fmt.Errorf("the SMART configuration from %s is missing the token_endpoint", wellKnown)
	}

	p.tokenURL = smartConfig.TokenEndpoint
	return nil
}

// tokenResponse represents the token endpoint response of the
// client-credentials grant.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (p *clientCredentials) fetchToken(ctx context.Context) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(p.config.Scopes) > 0 {
		form.Set("scope", strings.Join(p.config.Scopes, " "))
	}

	useBasicAuth := false
	if p.config.Symmetric() {
		if p.config.UseFormForBasicAuth {
			form.Set("client_id", p.config.ClientID)
			form.Set("client_secret", p.config.ClientSecret)
		} else {
			useBasicAuth = true
		}
	} else {
		assertion, err := signedAssertion(p.config.PrivateKeyJWK, p.config.ClientID, p.tokenURL)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if useBasicAuth {
		req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(p.config.ClientSecret))
	}

	requestedAt := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error while requesting a token from %s: %w", p.tokenURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from the token endpoint %s", resp.StatusCode, p.tokenURL)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("error while parsing the token response from %s: %w", p.tokenURL, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("the token response from %s is missing the access_token", p.tokenURL)
	}

	expiresIn, err := token.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 300
	}

	return &Credential{
		Value:     token.AccessToken,
		ExpiresAt: requestedAt.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
