// Package domains decides which remote hosts actions may target and
// normalizes domain strings into their canonical form.
package domains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Validator answers whether a domain is on the allowlist.
type Validator interface {
	IsAllowed(ctx context.Context, domain string) (bool, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Static allowlist
// ──────────────────────────────────────────────────────────────────────────────

// AllowlistValidator checks domains against a fixed set. An entry of the form
// "*.example.com" allows every subdomain of example.com.
type AllowlistValidator struct {
	exact    map[string]bool
	suffixes []string
}

// NewAllowlistValidator parses a comma-separated domain list.
// Example: "api.example.com,*.internal.corp".
func NewAllowlistValidator(raw string) *AllowlistValidator {
	v := &AllowlistValidator{exact: make(map[string]bool)}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(entry, "*."); ok {
			v.suffixes = append(v.suffixes, "."+rest)
			continue
		}
		v.exact[entry] = true
	}
	return v
}

// IsAllowed never fails; the error return satisfies the Validator contract.
func (v *AllowlistValidator) IsAllowed(_ context.Context, domain string) (bool, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if v.exact[domain] {
		return true, nil
	}
	for _, s := range v.suffixes {
		if strings.HasSuffix(domain, s) {
			return true, nil
		}
	}
	return false, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Remote policy service
// ──────────────────────────────────────────────────────────────────────────────

// HTTPValidator asks an external policy service for the allow/deny decision.
type HTTPValidator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPValidator creates a validator backed by the policy service at baseURL.
func NewHTTPValidator(baseURL string) *HTTPValidator {
	return &HTTPValidator{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type checkRequest struct {
	Domain string `json:"domain"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// IsAllowed posts the domain to the policy service. Any transport or decode
// failure is returned as an error; the caller decides whether to fail closed.
func (v *HTTPValidator) IsAllowed(ctx context.Context, domain string) (bool, error) {
	body, err := json.Marshal(checkRequest{Domain: domain})
	if err != nil {
		return false, fmt.Errorf("domains marshal: %w", err)
	}

	url := v.baseURL + "/v1/domains/check"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("domains new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("domains request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("domains policy returned %d: %s", resp.StatusCode, string(b))
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("domains decode response: %w", err)
	}
	return out.Allowed, nil
}
