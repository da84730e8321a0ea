// Package download streams remote files to disk under a hard byte ceiling.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

const (
	defaultChunkSize     = 64 * 1024
	defaultProbeTimeout  = 60 * time.Second
	defaultStreamTimeout = 180 * time.Second
)

// Config controls request headers and timeouts.
type Config struct {
	UserAgent     string
	ProbeTimeout  time.Duration
	StreamTimeout time.Duration
	ChunkSize     int
}

// Result is the outcome of one download attempt. Message is "ok" on success,
// "skipped: ..." when the size ceiling tripped and "error: ..." otherwise.
type Result = pipeline.DownloadResult

// Downloader performs bounded downloads. It never returns an error; every
// outcome is encoded in Result.
type Downloader struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Downloader with its own pooled transport.
func New(cfg Config, logger *zap.Logger) *Downloader {
	return NewWithClient(cfg, &http.Client{Transport: newHTTPTransport()}, logger)
}

// NewWithClient builds a Downloader around an existing client.
func NewWithClient(cfg Config, client *http.Client, logger *zap.Logger) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, client: client, logger: logger.Named("download")}
}

// Download probes the declared size of rawURL, then streams the body into destPath.
// The destination is removed whenever the attempt does not succeed.
func (d *Downloader) Download(ctx context.Context, rawURL, destPath string, limit int64) Result {
	res := d.download(ctx, rawURL, destPath, limit)
	metrics.ObserveDownload(rawURL, metrics.OutcomeFromMessage(res.OK, res.Message), res.Bytes)
	d.logger.Debug("download finished",
		zap.String("url", rawURL),
		zap.String("dest", destPath),
		zap.Bool("ok", res.OK),
		zap.String("message", res.Message),
		zap.Int64("bytes", res.Bytes),
	)
	return res
}

func (d *Downloader) download(ctx context.Context, rawURL, destPath string, limit int64) Result {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Result{Message: fmt.Sprintf("error: %v", err)}
	}

	if size, ok := d.probe(ctx, rawURL); ok && size > limit {
		return Result{Message: fmt.Sprintf("skipped: size %d > limit %d", size, limit), Bytes: size}
	}

	return d.stream(ctx, rawURL, destPath, limit)
}

// probe issues a GET and reads only the headers; some servers reject HEAD.
// A failed probe or a missing length is not an error.
func (d *Downloader) probe(ctx context.Context, rawURL string) (int64, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	resp, err := d.get(probeCtx, rawURL)
	if err != nil {
		d.logger.Debug("size probe failed", zap.String("url", rawURL), zap.Error(err))
		return 0, false
	}
	defer closeQuietly(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

func (d *Downloader) stream(ctx context.Context, rawURL, destPath string, limit int64) Result {
	streamCtx, cancel := context.WithTimeout(ctx, d.cfg.StreamTimeout)
	defer cancel()

	resp, err := d.get(streamCtx, rawURL)
	if err != nil {
		return Result{Message: fmt.Sprintf("error: %v", err)}
	}
	defer closeQuietly(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Message: fmt.Sprintf("error: unexpected status %s", resp.Status)}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return Result{Message: fmt.Sprintf("error: %v", err)}
	}

	var total int64
	buf := make([]byte, d.cfg.ChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				discard(f, destPath)
				return Result{Message: fmt.Sprintf("error: %v", err), Bytes: total}
			}
			total += int64(n)
			if total > limit {
				discard(f, destPath)
				return Result{Message: fmt.Sprintf("skipped: streamed size > limit %d", limit), Bytes: total}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			discard(f, destPath)
			return Result{Message: fmt.Sprintf("error: %v", readErr), Bytes: total}
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(destPath)
		return Result{Message: fmt.Sprintf("error: %v", err), Bytes: total}
	}
	return Result{OK: true, Message: "ok", Bytes: total}
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return resp, nil
}

func discard(f *os.File, path string) {
	_ = f.Close()
	_ = os.Remove(path)
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}

// newHTTPTransport disables transparent gzip so byte counts match the wire.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
}
