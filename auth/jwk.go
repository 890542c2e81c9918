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

package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionLifetime is the exp horizon of client assertions per SMART
// Backend Services.
const assertionLifetime = 5 * time.Minute

// jsonWebKey is the wire form of an RSA or EC private key.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`

	// RSA
	N  string `json:"n"`
	E  string `json:"e"`
	D  string `json:"d"`
	P  string `json:"p"`
	Q  string `json:"q"`
	Dp string `json:"dp"`
	Dq string `json:"dq"`
	Qi string `json:"qi"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// signedAssertion builds and signs the JWT client assertion of the
// asymmetric client-credentials profile: iss and sub carry the client id,
// aud the token endpoint, jti a random id and exp a five minute horizon.
// The signing algorithm is the one named in the key's alg field.
func signedAssertion(jwkJSON, clientID, tokenURL string) (string, error) {
	var jwk jsonWebKey
	if err := json.Unmarshal([]byte(jwkJSON), &jwk); err != nil {
		return "", fmt.Errorf("error while parsing the private key JWK: %w", err)
	}

	if jwk.Alg == "" {
		return "", fmt.Errorf("the private key JWK is missing the alg field")
	}
	method := jwt.GetSigningMethod(jwk.Alg)
	if method == nil {
		return "", fmt.Errorf("unsupported JWK signing algorithm %s", jwk.Alg)
	}

	key, err := jwk.privateKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	})
	if jwk.Kid != "" {
		token.Header["kid"] = jwk.Kid
	}

	assertion, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("error while signing the client assertion: %w", err)
	}
	return assertion, nil
}

// privateKey reconstructs the crypto private key from the JWK fields.
func (jwk jsonWebKey) privateKey() (crypto.PrivateKey, error) {
	switch jwk.Kty {
	case "RSA":
		return jwk.rsaPrivateKey()
	case "EC":
		return jwk.ecPrivateKey()
	default:
		return nil, fmt.Errorf("unsupported JWK key type %s", jwk.Kty)
	}
}

func (jwk jsonWebKey) rsaPrivateKey() (*rsa.PrivateKey, error) {
	n, err := decodeBigInt(jwk.N, "n")
	if err != nil {
		return nil, err
	}
	e, err := decodeBigInt(jwk.E, "e")
	if err != nil {
		return nil, err
	}
	d, err := decodeBigInt(jwk.D, "d")
	if err != nil {
		return nil, err
	}
	p, err := decodeBigInt(jwk.P, "p")
	if err != nil {
		return nil, err
	}
	q, err := decodeBigInt(jwk.Q, "q")
	if err != nil {
		return nil, err
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA private key JWK: %w", err)
	}
	return key, nil
}

func (jwk jsonWebKey) ecPrivateKey() (*ecdsa.PrivateKey, error) {
	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported JWK curve %s", jwk.Crv)
	}

	x, err := decodeBigInt(jwk.X, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeBigInt(jwk.Y, "y")
	if err != nil {
		return nil, err
	}
	d, err := decodeBigInt(jwk.D, "d")
	if err != nil {
		return nil, err
	}

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

func decodeBigInt(value, field string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("the private key JWK is missing the %s field", field)
	}
	bytes, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("error while decoding the JWK field %s: %w", field, err)
	}
	return new(big.Int).SetBytes(bytes), nil
}
