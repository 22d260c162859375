package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokengate/tokengate/pkg/admission"
	"github.com/tokengate/tokengate/pkg/models"
)

// UpstreamConfig identifies the metered API.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Upstream sends approved requests to the metered API with the gateway's
// own credentials.
type Upstream struct {
	base   *url.URL
	apiKey string
	client *http.Client
}

// NewUpstream creates an Upstream client.
func NewUpstream(cfg UpstreamConfig) (*Upstream, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.URL)
	}
	return &Upstream{
		base:   base,
		apiKey: cfg.APIKey,
		// Zero leaves only the admission controller's deadline.
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// skipHeaders are never copied from the client request.
var skipHeaders = map[string]bool{
	"Authorization":   true,
	"Host":            true,
	"Content-Length":  true,
	"X-Session-Id":    true,
	"Connection":      true,
	"Accept-Encoding": true,
}

// Do posts body to path and reads the whole response. Usage is extracted
// from the response's "usage" block when present.
func (u *Upstream) Do(ctx context.Context, path string, in http.Header, body []byte) (*admission.Upstream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vals := range in {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.apiKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &admission.Upstream{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}
	if out.OK() {
		out.Usage = extractUsage(respBody)
	}
	return out, nil
}

// extractUsage reads the usage block, falling back to the first choice for
// responses that nest it there.
func extractUsage(body []byte) *models.Usage {
	var env struct {
		models.UsageEnvelope
		Choices []models.UsageEnvelope `json:"choices"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Usage != nil {
		return env.Usage
	}
	if len(env.Choices) > 0 {
		return env.Choices[0].Usage
	}
	return nil
}
