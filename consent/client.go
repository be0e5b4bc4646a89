// Package consent wraps the HTTP consent-management service (MGC) that
// is the authority for a (device, subject) pair's privacy policy. A
// fetch failure of any kind — timeout, connection refusal, non-2xx
// status, no matching record — is treated uniformly as "no policy": the
// caller logs and drops the current message, per SPEC_FULL.md §7's
// drop-and-log error policy. The consent service is never retried here;
// retry semantics belong to the broker, not this client.
package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"privacygateway/observability/metrics"
)

const defaultTimeout = 5 * time.Second

// Fetcher resolves the privacy policy for a (device, subject) pair from
// the upstream consent service. Ingest and the scheduler depend on this
// narrow interface so tests can inject a fake.
type Fetcher interface {
	FetchPolicy(ctx context.Context, deviceID, subjectID string) (map[string]any, error)
}

// Client is the production Fetcher, backed by an HTTP call to
// GET {baseURL}/consentimentos/titular/{subject_id}.
//
// Outbound call volume is shaped by a token-bucket limiter — the same
// golang.org/x/time/rate primitive the teacher's gateway middleware uses
// to bound inbound request rates — so a burst of concurrent cache misses
// cannot hammer the upstream service. This is ambient resilience, not a
// spec requirement, and it never turns a drop into a retry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient constructs a Client against baseURL. limiter may be nil to
// disable outbound rate shaping.
func NewClient(baseURL string, limiter *rate.Limiter, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    limiter,
		log:        log,
	}
}

// FetchPolicy returns the consent record matching deviceID, or (nil, nil)
// if the service is unreachable, times out, answers non-2xx, or has no
// matching record. Every such case is logged at the call site with the
// specific reason.
func (c *Client) FetchPolicy(ctx context.Context, deviceID, subjectID string) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil
		}
	}

	url := fmt.Sprintf("%s/consentimentos/titular/%s", c.baseURL, subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Warn("build consent request failed", "device", deviceID, "subject", subjectID, "error", err)
		return nil, nil
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveConsentCall(time.Since(start))
	if err != nil {
		c.log.Warn("consent service unreachable", "device", deviceID, "subject", subjectID, "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("consent service returned non-2xx", "device", deviceID, "subject", subjectID, "status", resp.StatusCode)
		return nil, nil
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		c.log.Warn("consent service response malformed", "device", deviceID, "subject", subjectID, "error", err)
		return nil, nil
	}

	for _, record := range records {
		if id, ok := record["dispositivo_id"].(string); ok && id == deviceID {
			return record, nil
		}
	}
	c.log.Debug("no consent record matched device", "device", deviceID, "subject", subjectID)
	return nil, nil
}
