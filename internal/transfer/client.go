package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/checksum"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
	"github.com/rs/zerolog/log"
)

// checksumHeader carries the server's expected digest on downloads.
const checksumHeader = "X-File-Checksum"

// notifyAck is the exact acknowledgement that allows a record to reach
// the fully-notified terminal state.
const notifyAck = "File deleted successfully"

// Config holds the remote service endpoints and retry policy. Endpoint
// templates contain a {task_id} placeholder.
type Config struct {
	BaseURL          string
	HealthEndpoint   string
	UploadEndpoint   string
	StatusEndpoint   string
	DownloadEndpoint string
	NotifyEndpoint   string
	RefreshEndpoint  string
	ClientID         string
	MaxRetries       int
	RequestTimeout   time.Duration
	SkipHealthCheck  bool
	DoneStatus       string
	FailStatus       string
}

// CredentialStore persists the bearer/refresh token pair. Implementations
// encrypt at rest; the client only sees decrypted tokens.
type CredentialStore interface {
	Get(ctx context.Context) (*models.TokenPair, error)
	Save(ctx context.Context, pair *models.TokenPair) error
}

// Client talks to the remote processing service: checksum-verified upload,
// status polling, authenticated download, completion notification. Every
// request runs inside a bounded retry loop; a 401 triggers exactly one
// token refresh per request before retrying.
type Client struct {
	cfg   Config
	http  *http.Client
	creds CredentialStore
}

// NewClient creates a transfer client. Proxy settings come from the
// environment.
func NewClient(cfg Config, creds CredentialStore) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		creds: creds,
	}
}

// statusResponse is the remote's answer to a status poll.
type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// uploadResponse carries the server-issued transaction token.
type uploadResponse struct {
	TransactionToken string `json:"transaction_token"`
}

// notifyResponse carries the server's acknowledgement message.
type notifyResponse struct {
	Message string `json:"message"`
}

// refreshResponse is the token refresh reply.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// HealthCheck probes the remote service liveness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.SkipHealthCheck {
		return nil
	}
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.HealthEndpoint, nil)
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pipeerr.Transient(fmt.Errorf("health check returned status %d", resp.StatusCode))
	}
	return nil
}

// Upload sends the payload with its precomputed checksum and the client
// id as a multipart request and returns the server-issued transaction
// token.
func (c *Client) Upload(ctx context.Context, payloadPath, payloadChecksum string) (string, error) {
	// The multipart body is buffered once so the retry loop can resend it.
	body, contentType, err := buildMultipart(payloadPath, payloadChecksum, c.cfg.ClientID)
	if err != nil {
		return "", err
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.UploadEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.TransactionToken == "" {
		return "", fmt.Errorf("upload response missing transaction token")
	}
	return out.TransactionToken, nil
}

// PollStatus queries the remote status of a transaction token. The
// returned value is the server's vocabulary verbatim; the caller records
// it independently of the client-side state machine.
func (c *Client) PollStatus(ctx context.Context, token string) (string, string, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.StatusEndpoint, token), nil)
	})
	if err != nil {
		return "", "", fmt.Errorf("status poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("status poll returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return out.Status, out.Error, nil
}

// Download streams the result artifact to destPath, computing its
// checksum incrementally. If the server supplies an expected checksum
// header the comparison is case-insensitive and a mismatch deletes the
// partial artifact and fails; an absent header logs a warning but
// proceeds unverified.
func (c *Client) Download(ctx context.Context, token, destPath string) (digest string, verified bool, err error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.DownloadEndpoint, token), nil)
	})
	if err != nil {
		return "", false, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("download returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", false, fmt.Errorf("failed to create download directory: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return "", false, fmt.Errorf("failed to create artifact file: %w", err)
	}

	hw := checksum.NewSHA256Writer(f)
	_, copyErr := io.Copy(hw, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(destPath)
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", false, pipeerr.Transient(fmt.Errorf("artifact stream interrupted: %w", copyErr))
	}

	digest = hw.Sum()
	expected := resp.Header.Get(checksumHeader)
	if expected == "" {
		log.Warn().Str("token", token).Msg("No checksum header on download; artifact integrity unverified")
		return digest, false, nil
	}
	if !strings.EqualFold(expected, digest) {
		os.Remove(destPath)
		return "", false, pipeerr.Integrity("artifact checksum %s does not match expected %s", digest, expected)
	}
	return digest, true, nil
}

// Notify informs the remote service that the artifact is safely persisted
// so server-side storage can be released. Only the exact acknowledgement
// message counts as notified; any other response is safe to retry.
func (c *Client) Notify(ctx context.Context, token string) (bool, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.NotifyEndpoint, token), nil)
	})
	if err != nil {
		return false, fmt.Errorf("notify failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("notify returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode notify response: %w", err)
	}
	return out.Message == notifyAck, nil
}

// doWithRetry executes a request inside the bounded retry loop. Network
// failures and 5xx responses are retried up to MaxRetries; a 401 response
// triggers exactly one token refresh for this request, after which a
// second 401 is fatal.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	refreshed := false

	// A stored token already past its expiry would only bounce with a
	// 401; refresh it up front, spending this request's one refresh.
	if pair, err := c.creds.Get(ctx); err == nil && pair.Expired(time.Now()) {
		if err := c.refreshToken(ctx); err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}
		refreshed = true
	}

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if err := c.addAuth(ctx, req); err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = pipeerr.Transient(err)
			log.Warn().Err(err).Int("attempt", attempt).Msg("Request attempt failed")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			if refreshed {
				return nil, fmt.Errorf("request rejected after token refresh: %w", pipeerr.ErrAuthentication)
			}
			if err := c.refreshToken(ctx); err != nil {
				return nil, fmt.Errorf("token refresh failed: %w", err)
			}
			refreshed = true
			attempt-- // the refreshed retry does not consume an attempt
			continue
		case resp.StatusCode >= 500:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = pipeerr.Transient(fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw)))
			continue
		default:
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = pipeerr.Transient(fmt.Errorf("no attempts executed"))
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// refreshToken calls the refresh endpoint with the stored refresh token
// and persists the new pair.
func (c *Client) refreshToken(ctx context.Context) error {
	pair, err := c.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("no stored credentials: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.RefreshEndpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeerr.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh returned status %d: %w", resp.StatusCode, pipeerr.ErrAuthentication)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	next := &models.TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	if err := c.creds.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	log.Info().Msg("Access token refreshed")
	return nil
}

func (c *Client) addAuth(ctx context.Context, req *http.Request) error {
	pair, err := c.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("no stored credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	return nil
}

// endpoint substitutes the transaction token into a path template.
func (c *Client) endpoint(template, token string) string {
	return c.cfg.BaseURL + strings.ReplaceAll(template, "{task_id}", token)
}

func buildMultipart(payloadPath, payloadChecksum, clientID string) ([]byte, string, error) {
	f, err := os.Open(payloadPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(payloadPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read payload: %w", err)
	}
	if err := w.WriteField("checksum", payloadChecksum); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("client_id", clientID); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
