package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IntrospectionConfig holds the RFC 7662 endpoint and the client credentials
// used to authenticate against it.
type IntrospectionConfig struct {
	IntrospectURL string
	ClientID      string
	ClientSecret  string
}

// introspectionClient asks the identity provider whether a token is active.
// The client never inspects the token itself; activity is the provider's
// verdict alone.
type introspectionClient struct {
	cfg    IntrospectionConfig
	client *http.Client
}

func newIntrospectionClient(cfg IntrospectionConfig) *introspectionClient {
	return &introspectionClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Introspect posts the token to the introspection endpoint with Basic client
// credentials. Any transport error, non-2xx status, malformed body, or
// active=false response is a verification failure.
func (c *introspectionClient) Introspect(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IntrospectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build introspection request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("introspection call: status %d", resp.StatusCode)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode introspection response: %w", err)
	}
	if !body.Active {
		return fmt.Errorf("token not active")
	}
	return nil
}
