package faxrelay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Poster delivers an envelope to the collector. The outcome is a plain
// boolean; failure detail stays inside the poster and its logs.
type Poster interface {
	Post(env *Envelope) bool
}

type HTTPPoster struct {
	url          string
	headers      map[string]string
	ingressLists []string
	client       *http.Client
	logger       *slog.Logger
}

func NewHTTPPoster(collectorURL string, headers map[string]string, ingressLists []string, logger *slog.Logger) *HTTPPoster {
	if logger == nil {
		logger = nopLogger()
	}
	return &HTTPPoster{
		url:          strings.TrimSpace(collectorURL),
		headers:      headers,
		ingressLists: ingressLists,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("component", "poster"),
	}
}

// SetClient overrides the HTTP client, mainly for tests.
func (p *HTTPPoster) SetClient(client *http.Client) {
	if client != nil {
		p.client = client
	}
}

func (p *HTTPPoster) Post(env *Envelope) bool {
	if env == nil {
		return false
	}
	payload, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("failed to encode envelope", "envelope_id", env.ID, "error", err)
		return false
	}

	target := p.url
	if len(p.ingressLists) > 0 {
		query := url.Values{}
		query.Set("ingress_lists", strings.Join(p.ingressLists, ","))
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target = target + separator + query.Encode()
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		p.logger.Error("failed to build request", "envelope_id", env.ID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range p.headers {
		req.Header.Set(name, value)
	}

	p.logger.Info("posting envelope", "envelope_id", env.ID, "url", p.url)
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("failed to post envelope", "envelope_id", env.ID, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Info("posted envelope", "envelope_id", env.ID, "status", resp.StatusCode)
		return true
	}
	p.logger.Error("collector rejected envelope", "envelope_id", env.ID, "status", resp.StatusCode)
	return false
}
