// token.go manages the KIS OAuth access token and the websocket approval key.
//
// The access token is valid for 24 hours and the broker throttles re-issues,
// so the token is cached on disk (outputs/token_cache.json) and reused across
// restarts. It is refreshed when less than TokenMargin (default 30 minutes)
// of validity remains. Refresh is single-flight: concurrent callers share one
// refresh behind a mutex with a double check, so a burst of requests after
// expiry issues exactly one /oauth2/tokenP call.
package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"krx-momentum/internal/broker"
)

// tokenCache is the on-disk token shape.
type tokenCache struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Mode        string    `json:"mode"` // "paper" or "live"
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenProvider issues, caches, and refreshes the KIS OAuth token, and
// fetches the once-per-session websocket approval key.
type TokenProvider struct {
	http      *resty.Client
	appKey    string
	appSecret string
	mode      string
	path      string        // token cache file
	margin    time.Duration // refresh when this close to expiry
	logger    *slog.Logger

	mu       sync.Mutex
	cached   tokenCache
	approval string // websocket approval key, fetched once
}

// NewTokenProvider creates a provider backed by the cache file at
// dir/token_cache.json. A valid cached token for the same mode is reused.
func NewTokenProvider(baseURL, appKey, appSecret, mode, dir string, margin time.Duration, logger *slog.Logger) *TokenProvider {
	tp := &TokenProvider{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		appKey:    appKey,
		appSecret: appSecret,
		mode:      mode,
		path:      filepath.Join(dir, "token_cache.json"),
		margin:    margin,
		logger:    logger.With("component", "kis_token"),
	}
	tp.loadCache()
	return tp
}

// Token returns a valid access token, refreshing it when fewer than margin
// remains before expiry.
func (tp *TokenProvider) Token(ctx context.Context) (string, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.cached.AccessToken != "" && tp.cached.Mode == tp.mode &&
		time.Until(tp.cached.ExpiresAt) > tp.margin {
		return tp.cached.AccessToken, nil
	}
	if err := tp.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tp.cached.AccessToken, nil
}

// ApprovalKey returns the websocket approval key, fetching it on first use.
func (tp *TokenProvider) ApprovalKey(ctx context.Context) (string, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.approval != "" {
		return tp.approval, nil
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := tp.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tp.appKey,
			"secretkey":  tp.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", &broker.TransientError{Op: "approval_key", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &broker.TransientError{Op: "approval_key", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if result.ApprovalKey == "" {
		return "", fmt.Errorf("approval key response missing approval_key")
	}

	tp.approval = result.ApprovalKey
	tp.logger.Info("websocket approval key obtained")
	return tp.approval, nil
}

// refreshLocked issues a new token. Called with the mutex held.
func (tp *TokenProvider) refreshLocked(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"` // seconds
	}
	resp, err := tp.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tp.appKey,
			"appsecret":  tp.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return &broker.TransientError{Op: "token_refresh", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &broker.TransientError{Op: "token_refresh", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if result.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	now := time.Now()
	tp.cached = tokenCache{
		AccessToken: result.AccessToken,
		ExpiresAt:   now.Add(time.Duration(result.ExpiresIn) * time.Second),
		Mode:        tp.mode,
		IssuedAt:    now,
	}
	tp.saveCache()
	tp.logger.Info("access token refreshed", "expires_at", tp.cached.ExpiresAt, "mode", tp.mode)
	return nil
}

func (tp *TokenProvider) loadCache() {
	data, err := os.ReadFile(tp.path)
	if err != nil {
		return
	}
	var c tokenCache
	if err := json.Unmarshal(data, &c); err != nil {
		tp.logger.Warn("discarding unreadable token cache", "error", err)
		return
	}
	if c.Mode != tp.mode || time.Until(c.ExpiresAt) <= tp.margin {
		return
	}
	tp.cached = c
	tp.logger.Info("access token restored from cache", "expires_at", c.ExpiresAt)
}

// saveCache persists the token. Failures are logged only — a missing cache
// just means one extra token issue on the next start.
func (tp *TokenProvider) saveCache() {
	data, err := json.MarshalIndent(tp.cached, "", "  ")
	if err != nil {
		tp.logger.Error("marshal token cache", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(tp.path), 0o755); err != nil {
		tp.logger.Error("create token cache dir", "error", err)
		return
	}
	tmp := tp.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		tp.logger.Error("write token cache", "error", err)
		return
	}
	if err := os.Rename(tmp, tp.path); err != nil {
		tp.logger.Error("rename token cache", "error", err)
	}
}
