// ABOUTME: Reachability check for remote media URLs
// ABOUTME: Asks the origin for headers before the receiver is told to fetch
package source

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ProbeResult is what the origin reported about a media URL
type ProbeResult struct {
	ContentType string
	Length      int64
	Ranges      bool
}

// Prober issues HEAD requests against media URLs
type Prober struct {
	client *http.Client
}

// NewProber creates a prober; a nil client gets a 5s timeout client
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{client: client}
}

// Probe checks that rawURL answers. Origins that reject HEAD are asked
// for the first byte instead.
func (p *Prober) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	resp, err := p.do(ctx, http.MethodHead, rawURL, "")
	if err != nil {
		return ProbeResult{}, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = p.do(ctx, http.MethodGet, rawURL, "bytes=0-0")
		if err != nil {
			return ProbeResult{}, err
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return ProbeResult{}, fmt.Errorf("probe %s: HTTP %d", rawURL, resp.StatusCode)
	}

	result := ProbeResult{
		Length: resp.ContentLength,
		Ranges: resp.StatusCode == http.StatusPartialContent || strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			result.ContentType = mt
		}
	}
	return result, nil
}

func (p *Prober) do(ctx context.Context, method, rawURL, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	resp.Body.Close()
	return resp, nil
}
