// Package transport talks to the posting API: it submits queued posts and
// refreshes the access credential, classifying every failure.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"postflow/internal/domain"
	"postflow/internal/failure"
	"postflow/internal/secrets"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = 2 * time.Hour

type Config struct {
	BaseURL      string        `env:"API_BASE_URL" envDefault:"https://api.x.com"`
	PostPath     string        `env:"API_POST_PATH" envDefault:"/2/tweets"`
	TokenURL     string        `env:"OAUTH_TOKEN_URL" envDefault:"https://api.x.com/2/oauth2/token"`
	ClientID     string        `env:"OAUTH_CLIENT_ID"`
	ClientSecret string        `env:"OAUTH_CLIENT_SECRET"`
	Timeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
}

type Client struct {
	cfg   Config
	http  *http.Client
	oauth *oauth2.Config
	creds secrets.Store
	now   func() time.Time
}

func New(cfg Config, creds secrets.Store) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		creds: creds,
		now:   time.Now,
	}
}

type postRequest struct {
	Text string `json:"text"`
}

// Submit sends one post.
func (c *Client) Submit(ctx context.Context, op domain.QueuedOperation) error {
	cred, err := c.creds.Load(ctx)
	if errors.Is(err, secrets.ErrNotFound) || (err == nil && cred.AccessToken == "") {
		return failure.New(failure.AuthInvalid, "no access token stored")
	}
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	body, err := json.Marshal(postRequest{Text: op.Payload})
	if err != nil {
		return failure.Wrap(failure.ContentRejected, "encode post", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+c.cfg.PostPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Wrap(failure.Classify(err), "post request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	fe := &failure.Error{
		Class:      failure.FromStatus(resp.StatusCode),
		Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		StatusCode: resp.StatusCode,
	}
	if fe.Class == failure.RateLimited {
		fe.ResetAt = rateLimitReset(resp.Header, c.now())
	}
	return fe
}

// Refresh exchanges the stored refresh token for a new access token, stores
// the result and returns the new expiry.
func (c *Client) Refresh(ctx context.Context) (time.Time, error) {
	cred, err := c.creds.Load(ctx)
	if errors.Is(err, secrets.ErrNotFound) || (err == nil && cred.RefreshToken == "") {
		return time.Time{}, failure.New(failure.AuthInvalid, "no refresh token stored")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load credentials: %w", err)
	}

	// An expired token makes the token source go to the endpoint.
	stale := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       c.now().Add(-time.Minute),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return time.Time{}, c.classifyRefresh(err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = c.now().Add(defaultTokenLifetime)
	}
	next := secrets.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := c.creds.Save(ctx, next); err != nil {
		return time.Time{}, fmt.Errorf("store refreshed credentials: %w", err)
	}
	return expiry, nil
}

func (c *Client) classifyRefresh(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return failure.Wrap(failure.Classify(err), "token refresh failed", err)
	}

	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return failure.Wrap(failure.AuthInvalid, "token refresh rejected: "+re.ErrorCode, err)
	}

	if re.Response == nil {
		return failure.Wrap(failure.Unknown, "token refresh failed", err)
	}
	code := re.Response.StatusCode
	class := failure.FromStatus(code)
	if class == failure.ContentRejected {
		// A refresh request has no content; a 4xx here means the grant is unusable.
		class = failure.AuthInvalid
	}
	fe := &failure.Error{Class: class, Message: "token refresh failed", StatusCode: code, Err: err}
	if class == failure.RateLimited {
		fe.ResetAt = rateLimitReset(re.Response.Header, c.now())
	}
	return fe
}

// rateLimitReset reads x-rate-limit-reset (unix seconds) or Retry-After
// (seconds or HTTP date). Zero when neither is usable.
func rateLimitReset(h http.Header, now time.Time) time.Time {
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			return time.Unix(sec, 0).UTC()
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			return now.Add(time.Duration(sec) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
