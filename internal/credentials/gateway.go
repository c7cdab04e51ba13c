// Package credentials fetches short-lived signaling credentials from the
// credential gateway.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/pkg/signaling"
)

var (
	ErrEmptyToken      = errors.New("gateway returned an empty token")
	ErrIdentityMissing = errors.New("identity is required")
)

// GatewayError is a non-2xx answer from the credential gateway
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("credential gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("credential gateway returned %d: %s", e.StatusCode, e.Message)
}

// Gateway is a signaling.CredentialSource backed by POST {base}/token
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time
}

// NewGateway creates a gateway client rooted at baseURL
func NewGateway(baseURL string, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.CredentialFetchTimeout}
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		ttl:        config.CredentialTTL,
		now:        time.Now,
	}
}

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Error    string `json:"error,omitempty"`
}

// Fetch requests a credential for identity
func (g *Gateway) Fetch(ctx context.Context, identity string) (signaling.Credential, error) {
	if identity == "" {
		return signaling.Credential{}, ErrIdentityMissing
	}

	payload, err := json.Marshal(tokenRequest{Identity: identity})
	if err != nil {
		return signaling.Credential{}, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/token", bytes.NewReader(payload))
	if err != nil {
		return signaling.Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return signaling.Credential{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return signaling.Credential{}, fmt.Errorf("read token response: %w", err)
	}

	var body tokenResponse
	decodeErr := json.Unmarshal(raw, &body)
	if resp.StatusCode >= 300 {
		return signaling.Credential{}, &GatewayError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if decodeErr != nil {
		return signaling.Credential{}, fmt.Errorf("decode token response: %w", decodeErr)
	}
	if body.Token == "" {
		return signaling.Credential{}, ErrEmptyToken
	}

	cred := signaling.Credential{
		Token:     body.Token,
		Identity:  body.Identity,
		ExpiresAt: Expiry(body.Token),
	}
	if cred.Identity == "" {
		cred.Identity = identity
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = g.now().Add(g.ttl)
	}
	return cred, nil
}

// Expiry reads the exp claim of a JWT token without verifying it. Opaque
// tokens yield the zero time.
func Expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
