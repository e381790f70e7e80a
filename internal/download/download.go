// Package download fetches catalog files from the Census file server into a
// local directory with a global in-flight cap.
//
// Each file is fetched by its own goroutine, gated by a weighted semaphore.
// Bodies are streamed to a temp file in the destination directory and renamed
// into place on success, so an interrupted run never leaves a partial file
// under its final name. Per-file failures are carried in the Result and never
// stop sibling downloads.
package download

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tigeretl/internal/catalog"
	"tigeretl/internal/metrics"
)

const (
	DefaultBaseURL       = "https://www2.census.gov"
	DefaultMaxConcurrent = 5
	DefaultTimeout       = 10 * time.Minute
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// ErrDestinationMissing is returned by Run when the destination directory
// does not exist. It is checked before any request is made.
var ErrDestinationMissing = errors.New("destination directory does not exist")

// StatusError is a non-200 HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected HTTP status %d", e.URL, e.Code)
}

// retryable reports whether a status is worth another attempt.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Options configures a Downloader. Zero values take the package defaults.
type Options struct {
	BaseURL            string
	UserAgent          string
	InsecureSkipVerify bool
	Timeout            time.Duration

	// MaxConcurrent caps in-flight downloads across the whole batch.
	MaxConcurrent int
	// RatePerSecond limits request starts globally. Zero disables the limiter.
	RatePerSecond float64
	// MaxAttempts per file, including the first. Values below 1 mean 1.
	MaxAttempts int

	// Force re-downloads files that already exist locally.
	Force bool

	// JobName labels HTTP metrics. Defaults to "download".
	JobName string

	Logger *slog.Logger
	Client *http.Client

	newBackOff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.JobName == "" {
		o.JobName = "download"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.newBackOff == nil {
		o.newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return o
}

// Result is the outcome of one file.
type Result struct {
	Filename string
	URL      string
	Path     string
	Bytes    int64
	Skipped  bool
	Err      error
}

// Downloader runs batches of catalog downloads.
type Downloader struct {
	opt     Options
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a Downloader. Disabling TLS verification is logged as a warning.
func New(opt Options) *Downloader {
	opt = opt.withDefaults()

	client := opt.Client
	if client == nil {
		client = NewHTTPClient(opt.Timeout, opt.MaxConcurrent, opt.InsecureSkipVerify)
	}
	if opt.InsecureSkipVerify {
		opt.Logger.Warn("TLS certificate verification disabled for downloads", "base_url", opt.BaseURL)
	}

	var limiter *rate.Limiter
	if opt.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.RatePerSecond), 1)
	}
	return &Downloader{opt: opt, client: client, limiter: limiter}
}

// NewHTTPClient returns the client used against the file server.
func NewHTTPClient(timeout time.Duration, maxConnsPerHost int, insecureSkipVerify bool) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: maxConnsPerHost,
	}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// URL returns the remote location of d.
func (dl *Downloader) URL(d catalog.Dataset) (string, error) {
	return url.JoinPath(dl.opt.BaseURL, d.Directory, d.Filename)
}

// Run downloads every dataset into destDir and returns one Result per
// dataset in input order, after all tasks have finished.
func (dl *Downloader) Run(ctx context.Context, destDir string, datasets []catalog.Dataset) ([]Result, error) {
	fi, err := os.Stat(destDir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDestinationMissing, destDir)
	}

	sem := semaphore.NewWeighted(int64(dl.opt.MaxConcurrent))
	results := make([]Result, len(datasets))

	var wg sync.WaitGroup
	for i, d := range datasets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Filename: d.Filename, Path: filepath.Join(destDir, d.Filename), Err: err}
				return
			}
			defer sem.Release(1)
			results[i] = dl.fetch(ctx, destDir, d)
		}()
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.Err != nil:
			metrics.RecordRecords("download_failed", 1)
		case r.Skipped:
			metrics.RecordRecords("download_skipped", 1)
		default:
			metrics.RecordRecords("download_ok", 1)
		}
	}
	return results, nil
}

func (dl *Downloader) fetch(ctx context.Context, destDir string, d catalog.Dataset) Result {
	log := dl.opt.Logger.With("file", d.Filename)
	res := Result{Filename: d.Filename, Path: filepath.Join(destDir, d.Filename)}

	if !dl.opt.Force {
		if _, err := os.Stat(res.Path); err == nil {
			res.Skipped = true
			log.Debug("download skipped, file exists", "path", res.Path)
			return res
		}
	}

	u, err := dl.URL(d)
	if err != nil {
		res.Err = fmt.Errorf("build url: %w", err)
		log.Error("download failed", "err", res.Err)
		return res
	}
	res.URL = u

	attempt := 0
	op := func() (int64, error) {
		attempt++
		if dl.limiter != nil {
			if err := dl.limiter.Wait(ctx); err != nil {
				return 0, backoff.Permanent(err)
			}
		}
		n, err := dl.get(ctx, u, res.Path)
		if err == nil {
			return n, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}

	start := time.Now()
	n, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(dl.opt.newBackOff()),
		backoff.WithMaxTries(uint(dl.opt.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("download attempt failed, retrying", "attempt", attempt, "wait", wait, "err", err)
		}),
	)
	if err != nil {
		res.Err = err
		log.Error("download failed", "url", u, "attempts", attempt, "err", err)
		return res
	}
	res.Bytes = n
	log.Info("downloaded", "bytes", n, "duration", time.Since(start).Round(time.Millisecond))
	return res
}

// get performs one attempt and records its HTTP metrics.
func (dl *Downloader) get(ctx context.Context, rawURL, outputPath string) (n int64, err error) {
	start := time.Now()
	status := 0
	defer func() {
		metrics.RecordHTTP(dl.opt.JobName, status, err, time.Since(start), n)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", dl.opt.UserAgent)

	resp, err := dl.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	return writeBodyToFile(outputPath, resp.Body)
}

// writeBodyToFile writes r to outputPath atomically.
//
// Behavior:
//   - Writes to a temp file in the same directory.
//   - Renames into place on success.
//   - On failure, removes the temp file.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".tigeretl-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}
