// Package oracle provides the client for the identity reputation oracle.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// ErrUnavailable is returned when the oracle cannot be reached or returns a
// malformed or incomplete response. Callers must fail closed on it.
var ErrUnavailable = errors.New("oracle: unavailable")

// Profile is the reputation snapshot for an identity.
type Profile struct {
	Exists         bool
	Score          float64
	AccountAgeDays int
	FollowerCount  int64
}

// Client talks to the reputation oracle over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds oracle client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates an oracle client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// GetProfile fetches the reputation profile for an identity. A 404 is a
// definitive "identity does not exist"; every transport or decoding failure
// maps to ErrUnavailable so the eligibility guard denies rather than guesses.
func (c *Client) GetProfile(ctx context.Context, identity string) (Profile, error) {
	endpoint := fmt.Sprintf("%s/profiles/%s", c.baseURL, url.PathEscape(identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Profile{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return Profile{}, fmt.Errorf("%w: invalid JSON", ErrUnavailable)
	}

	doc := gjson.ParseBytes(body)

	// Providers disagree on field names; accept the common variants but
	// treat a missing score as unavailable, never as zero.
	score := firstResult(doc, "score", "reputation_score", "trust_score")
	if !score.Exists() {
		return Profile{}, fmt.Errorf("%w: score missing from response", ErrUnavailable)
	}

	age := firstResult(doc, "account_age_days", "age_days")
	followers := firstResult(doc, "follower_count", "followers")

	return Profile{
		Exists:         true,
		Score:          score.Float(),
		AccountAgeDays: int(age.Int()),
		FollowerCount:  followers.Int(),
	}, nil
}

func firstResult(doc gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if r := doc.Get(path); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
