// Package downloader implements the HTTP transfer primitives used by the
// remote update source: manifests into memory, assets onto disk.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/skybundle/skybundle/client/internal/status"
	"github.com/skybundle/skybundle/version"
)

const (
	userAgent = "skybundle/%s"

	manifestRetryInterval = 2 * time.Second
	manifestMaxRetries    = 2
)

// DownloadToFile transfers the content at url into dstFile, creating parent
// directories as needed. A single attempt is made; per-asset retry policy
// belongs to the caller running the next update pass.
func DownloadToFile(ctx context.Context, url, dstFile string) error {
	log.Debugf("starting download from %s", url)

	if err := os.MkdirAll(filepath.Dir(dstFile), 0755); err != nil {
		return fmt.Errorf("failed to create destination dir for %q: %w", dstFile, err)
	}

	out, err := os.Create(dstFile)
	if err != nil {
		return fmt.Errorf("failed to create destination file %q: %w", dstFile, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing file %q: %v", dstFile, cerr)
		}
	}()

	if err := downloadToFileOnce(ctx, url, out); err != nil {
		return err
	}

	log.Debugf("successfully downloaded file to %s", dstFile)
	return nil
}

// DownloadToMemory transfers the content at url into memory, reading at
// most limit bytes.
func DownloadToMemory(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.Version()))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, status.Errorf(status.Transport, "unexpected HTTP status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}

// DownloadToMemoryWithBackoff retries transient manifest request failures a
// bounded number of times before giving up.
func DownloadToMemoryWithBackoff(ctx context.Context, url string, limit int64) ([]byte, error) {
	var data []byte

	operation := func() error {
		var err error
		data, err = DownloadToMemory(ctx, url, limit)
		return err
	}

	expBackOff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(manifestRetryInterval), manifestMaxRetries),
		ctx)

	notify := func(err error, d time.Duration) {
		log.Warnf("request to %s failed, retrying in %v: %v", url, d, err)
	}

	if err := backoff.RetryNotify(operation, expBackOff, notify); err != nil {
		return nil, err
	}

	return data, nil
}

func downloadToFileOnce(ctx context.Context, url string, out *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.Version()))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return status.Errorf(status.Transport, "unexpected HTTP status: %d", resp.StatusCode)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write response body to file: %w", err)
	}

	return nil
}
