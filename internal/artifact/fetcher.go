package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/genfleet/internal/metrics"
)

// ErrEmptyBody is returned when a download yields no bytes.
var ErrEmptyBody = errors.New("empty artifact body")

// FetcherConfig controls artifact downloads.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Limiter paces downloads per host. *ratelimit.Limiter satisfies it.
type Limiter interface {
	WaitURL(ctx context.Context, rawURL string) error
}

// Download is a fetched artifact body.
type Download struct {
	Body        []byte
	ContentType string
}

// Fetcher downloads generated images with a Colly collector. Inline data:
// URIs are decoded without a request.
type Fetcher struct {
	cfg     FetcherConfig
	limiter Limiter
	base    *colly.Collector
}

// NewFetcher builds a Fetcher. limiter may be nil.
func NewFetcher(cfg FetcherConfig, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = 0
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, limiter: limiter, base: c}
}

// Fetch returns the artifact bytes for src.
func (f *Fetcher) Fetch(ctx context.Context, src string) (Download, error) {
	if strings.HasPrefix(src, "data:") {
		d, err := decodeDataURI(src)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.ObserveDownload(src, status, len(d.Body))
		return d, err
	}
	if f.limiter != nil {
		if err := f.limiter.WaitURL(ctx, src); err != nil {
			return Download{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	d, err := f.visit(ctx, src)
	if err != nil {
		metrics.ObserveDownload(src, "error", 0)
		return Download{}, err
	}
	metrics.ObserveDownload(src, "ok", len(d.Body))
	return d, nil
}

func (f *Fetcher) visit(ctx context.Context, src string) (Download, error) {
	var (
		result   Download
		fetchErr error
	)
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.OnResponse(func(r *colly.Response) {
		result = Download{
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(src)
	}()
	select {
	case <-ctx.Done():
		return Download{}, fmt.Errorf("download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Download{}, fmt.Errorf("download %s: %w", src, err)
		}
		if fetchErr != nil {
			return Download{}, fmt.Errorf("download %s: %w", src, fetchErr)
		}
	}
	if len(result.Body) == 0 {
		return Download{}, fmt.Errorf("download %s: %w", src, ErrEmptyBody)
	}
	return result, nil
}

// decodeDataURI handles data:[<mediatype>][;base64],<data>.
func decodeDataURI(src string) (Download, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return Download{}, fmt.Errorf("malformed data uri")
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	var body []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Download{}, fmt.Errorf("decode data uri: %w", err)
		}
		body = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Download{}, fmt.Errorf("decode data uri: %w", err)
		}
		body = []byte(unescaped)
	}
	if len(body) == 0 {
		return Download{}, ErrEmptyBody
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	return Download{Body: body, ContentType: mediaType}, nil
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
