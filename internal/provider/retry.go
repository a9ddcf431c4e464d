package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	maxRetries    = 3
	maxRetryAfter = 30 * time.Second
)

// retryBaseDelay scales the backoff: attempt n waits n²·retryBaseDelay plus jitter.
var retryBaseDelay = time.Second

// doWithRetry sends the request built by buildReq, retrying network errors,
// 5xx and 429 up to maxRetries times. A Retry-After header, when present,
// replaces the computed backoff. Exhausted retries on an HTTP status yield a
// *StatusError.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = backoff(attempt)
			}
			logger.Warn("retrying request", "attempt", attempt+1, "wait", wait, "err", lastErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			wait = 0
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &StatusError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
		wait = retryAfter(resp.Header.Get("Retry-After"))
	}

	var se *StatusError
	if errors.As(lastErr, &se) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// backoff is the wait before retry attempt n, with up to 50% jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * retryBaseDelay
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// retryAfter parses a Retry-After header given in seconds. Dates and
// unparseable values yield zero.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
