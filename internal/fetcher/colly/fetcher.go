// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps buffered bodies; zero keeps colly's default.
	MaxBodySize int
}

// Fetcher fetches dataset landing pages and API documents in full.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (pipeline.Page, error) {
	var (
		page     pipeline.Page
		fetchErr error
		status   int
	)
	start := time.Now()
	collector, robots := f.buildCollector(start, &page, &fetchErr, &status)

	err := f.runCollector(ctx, collector, url, &fetchErr)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && errors.Is(err, ctxErr) {
		// The visit goroutine may still write the hook targets.
		metrics.ObservePageFetch(metrics.SanitizeSite(url), 0)
		return pipeline.Page{}, err
	}
	if status == 0 {
		status = page.StatusCode
	}
	metrics.ObservePageFetch(metrics.SanitizeSite(url), status)
	if robots != nil && robots.substituted() {
		f.logger.Warn("robots.txt unavailable, treated as allow-all",
			zap.String("url", url),
			zap.String("reason", robots.reason),
		)
	}
	if err != nil {
		return pipeline.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(
	start time.Time,
	page *pipeline.Page,
	fetchErr *error,
	status *int,
) (*colly.Collector, *robotsFallback) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var robots *robotsFallback
	if f.cfg.RespectRobots {
		robots = &robotsFallback{base: f.transport}
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(f.transport)
	}

	configureCollectorHooks(collector, start, page, fetchErr, status)
	return collector, robots
}

func configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *pipeline.Page,
	fetchErr *error,
	status *int,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = pipeline.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			page.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*status = r.StatusCode
			*fetchErr = &pipeline.StatusError{StatusCode: r.StatusCode, Err: err}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

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
	}
}
