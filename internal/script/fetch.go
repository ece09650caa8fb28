package script

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/PEZ/epupp-sub009/internal/logging"
)

// Installer fetches script source from a URL and saves it through the
// normal save path, so manifest derivation and approval pruning apply
// to remote installs exactly as to inline saves.
type Installer struct {
	store    *Store
	client   *retryablehttp.Client
	maxBytes int64
}

// NewInstaller creates an installer with bounded retries and a hard
// response size cap.
func NewInstaller(store *Store, timeout time.Duration, maxBytes int64, log *logging.Logger) *Installer {
	if log == nil {
		log = logging.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &Installer{
		store:    store,
		client:   client,
		maxBytes: maxBytes,
	}
}

// InstallFromURL downloads script source and saves it. The fallback
// name defaults to the last path segment of the URL when the manifest
// declares none.
func (i *Installer) InstallFromURL(ctx context.Context, rawURL string) (Script, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Script{}, fmt.Errorf("%w: invalid script URL %q", ErrValidation, rawURL)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Script{}, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return Script{}, fmt.Errorf("failed to fetch script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Script{}, fmt.Errorf("failed to fetch script: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBytes+1))
	if err != nil {
		return Script{}, fmt.Errorf("failed to read script body: %w", err)
	}
	if int64(len(body)) > i.maxBytes {
		return Script{}, fmt.Errorf("%w: script exceeds %d bytes", ErrValidation, i.maxBytes)
	}

	return i.store.Save(ctx, SaveRequest{Name: lastSegment(u.Path), Code: string(body)})
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
