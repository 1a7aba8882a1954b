package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Fetcher performs token-paced GETs against one platform's API. Each platform
// gets its own Fetcher so their request budgets never interfere.
type Options struct {
	RPS        float64
	Burst      int
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

type Fetcher struct {
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	userAgent  string
}

const maxBodyBytes = 4 << 20

func New(opts Options) *Fetcher {
	rps := opts.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; streamscout/1.0)"
	}
	return &Fetcher{
		http:       &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries: retries,
		retryDelay: delay,
		userAgent:  ua,
	}
}

// Get fetches url, waiting on the platform's rate budget first and retrying
// transient failures with exponentially increasing delay. After the final
// attempt the last error is returned; callers treat it as end-of-pagination
// rather than aborting the whole tick.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	delay := f.retryDelay
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("fetch: retrying in %s (attempt %d/%d): %v", delay, attempt+1, f.maxRetries, lastErr)
			if !sleepContext(ctx, delay) {
				return nil, ctx.Err()
			}
			delay *= 2
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := f.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch: %d attempts failed: %w", f.maxRetries, lastErr)
}

func (f *Fetcher) getOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
