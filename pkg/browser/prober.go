// -- pkg/browser/prober.go --
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Prober issues harmless probe requests against discovered API endpoints
// for the fuzzer agent. It implements agent.EndpointProber. Probes carry no
// body and follow no more than the client's default redirects; the point
// is the status code, not the response.
type Prober struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewProber builds a prober rooted at the audited site.
func NewProber(baseURL string, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prober{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("prober"),
	}
}

// Probe issues one request and returns the response status.
func (p *Prober) Probe(ctx context.Context, method, path string) (int, error) {
	target, err := p.resolve(path)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	p.logger.Debug("Endpoint probed",
		zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	return resp.StatusCode, nil
}

func (p *Prober) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	base, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid probe base URL %q: %w", p.baseURL, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid probe path %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}
