package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	remoteRetryAttempts = 3
	remoteBackoffBase   = 500 * time.Millisecond
	remoteBackoffCap    = 8 * time.Second
)

// RemoteConfig configures the remote library API client
type RemoteConfig struct {
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
	Timeout     time.Duration
}

// RemoteProvider talks to the reference manager's web API. Every request
// passes through a shared min-interval limiter; rate-limit responses get
// bounded exponential backoff with jitter before the failure surfaces.
type RemoteProvider struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	limiter *Limiter
	logger  *zap.Logger
}

// NewRemoteProvider creates a remote API client
func NewRemoteProvider(cfg RemoteConfig, logger *zap.Logger) (*RemoteProvider, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid remote base URL %q", ErrUnavailable, cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteProvider{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: NewLimiter(cfg.MinInterval),
		logger:  logger,
	}, nil
}

// get performs one paced, authenticated GET and classifies the response
func (p *RemoteProvider) get(ctx context.Context, endpoint string, query url.Values) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *p.baseURL
	u.Path = path.Join(u.Path, endpoint)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, u.Path)
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: remote rejected credentials (%d)", ErrUnavailable, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d for %s", ErrFetchFailed, resp.StatusCode, u.Path)
	}
}

// getWithRetry wraps get with bounded exponential backoff on rate limits
// and transient server failures
func (p *RemoteProvider) getWithRetry(ctx context.Context, endpoint string, query url.Values) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= remoteRetryAttempts; attempt++ {
		resp, err := p.get(ctx, endpoint, query)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable(err) || attempt == remoteRetryAttempts {
			break
		}

		backoff := backoffDelay(attempt)
		p.logger.Debug("Remote request backing off",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrFetchFailed)
}

// backoffDelay is base*2^(attempt-1) plus up to 25% jitter, capped
func backoffDelay(attempt int) time.Duration {
	d := remoteBackoffBase << uint(attempt-1)
	if d > remoteBackoffCap {
		d = remoteBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (p *RemoteProvider) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	resp, err := p.getWithRetry(ctx, endpoint, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}

// ListCollections returns every collection known to the remote library
func (p *RemoteProvider) ListCollections(ctx context.Context) ([]Collection, error) {
	var out []Collection
	if err := p.getJSON(ctx, "collections", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListItems streams the items of a collection from the remote API
func (p *RemoteProvider) ListItems(ctx context.Context, collectionKey string, recursive bool) (<-chan ItemDescriptor, <-chan error) {
	itemCh := make(chan ItemDescriptor)
	errCh := make(chan error, 1)

	go func() {
		defer close(itemCh)
		defer close(errCh)

		query := url.Values{}
		if recursive {
			query.Set("recursive", "1")
		}

		var items []ItemDescriptor
		if err := p.getJSON(ctx, path.Join("collections", collectionKey, "items"), query, &items); err != nil {
			errCh <- err
			return
		}
		for _, item := range items {
			select {
			case itemCh <- item:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return itemCh, errCh
}

// ListAttachments returns the attachments of an item
func (p *RemoteProvider) ListAttachments(ctx context.Context, itemKey string) ([]AttachmentDescriptor, error) {
	var out []AttachmentDescriptor
	if err := p.getJSON(ctx, path.Join("items", itemKey, "attachments"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ItemMetadata returns the descriptive fields of an item
func (p *RemoteProvider) ItemMetadata(ctx context.Context, itemKey string) (map[string]string, error) {
	out := make(map[string]string)
	if err := p.getJSON(ctx, path.Join("items", itemKey, "metadata"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch downloads an attachment payload into destDir. The file's
// Last-Modified header, when present, becomes the local mtime so the
// fingerprint's secondary check has something to work with.
func (p *RemoteProvider) Fetch(ctx context.Context, itemKey, attachmentKey, destDir string) (string, error) {
	resp, err := p.getWithRetry(ctx, path.Join("items", itemKey, "attachments", attachmentKey, "file"), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	filename := attachmentFilename(resp, attachmentKey)
	dest := filepath.Join(destDir, attachmentKey, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			if err := os.Chtimes(dest, t, t); err != nil {
				p.logger.Warn("Failed to set attachment mtime",
					zap.String("attachment", attachmentKey), zap.Error(err))
			}
		}
	}
	return dest, nil
}

func attachmentFilename(resp *http.Response, fallback string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
				return name
			}
		}
	}
	return fallback + ".bin"
}

var _ Provider = (*RemoteProvider)(nil)
