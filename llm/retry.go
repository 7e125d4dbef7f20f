package llm

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/qmx/qcode/model"
)

// retryConfig holds the exponential-backoff parameters for one client.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func defaultRetryConfig(maxRetries int) retryConfig {
	return retryConfig{
		maxRetries: maxRetries,
		baseDelay:  1 * time.Second,
		maxDelay:   30 * time.Second,
	}
}

// doWithRetry executes doReq with exponential backoff (1s, 2s, 4s, ... bounded
// by maxDelay) on 429/5xx responses, honoring Retry-After when present.
// Non-retryable statuses (4xx other than 429) return immediately.
func doWithRetry(ctx context.Context, cfg retryConfig, doReq func() (*http.Response, error)) (*http.Response, error) {
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, cfg.baseDelay, cfg.maxDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := doReq()
		if err != nil {
			if attempt < cfg.maxRetries {
				continue
			}
			return nil, model.Newf(model.LlmTransportError, "http request: %v", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == 401 || resp.StatusCode == 403:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, model.Newf(model.LlmTransportError, "authentication error (HTTP %d): %s", resp.StatusCode, string(body))

		case resp.StatusCode == 429, resp.StatusCode >= 500:
			if retryAfter := parseRetryAfter(resp); retryAfter > 0 && retryAfter < cfg.maxDelay {
				nextBackoff := backoffDelay(attempt, cfg.baseDelay, cfg.maxDelay)
				if retryAfter > nextBackoff {
					cfg.baseDelay = retryAfter
				}
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if attempt < cfg.maxRetries {
				continue
			}
			return nil, model.Newf(model.LlmTransportError, "HTTP %d after %d retries: %s", resp.StatusCode, cfg.maxRetries, string(body)).WithContext("retryable", true)

		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, model.Newf(model.LlmTransportError, "API error (HTTP %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil, model.New(model.LlmTransportError, "exhausted retries")
}

func backoffDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func parseRetryAfter(resp *http.Response) time.Duration {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0
	}
	seconds, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
