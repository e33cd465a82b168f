package northtracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/micro-ha/northtracker/addon/internal/logging"
)

const maxResponseBytes = 8 << 20

type request struct {
	method  string
	path    string
	payload any
	// anonymous requests carry no bearer token and never trigger re-auth.
	anonymous bool
	// noReplay requests fail on 401 instead of re-authenticating.
	noReplay bool
}

// backoff returns min(2^attempt, 30) seconds.
func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	wait := time.Duration(1<<attempt) * time.Second
	if wait > maxBackoff {
		return maxBackoff
	}
	return wait
}

// execute issues one logical call. 401 on the first attempt re-authenticates
// and replays once; 429 and transport failures back off and retry up to
// maxRetries; every other non-2xx status fails immediately.
func (c *Client) execute(ctx context.Context, req request) (Response, error) {
	endpoint := c.endpoint(req.path)
	body, err := encodePayload(req.payload)
	if err != nil {
		return Response{}, &APIError{Endpoint: endpoint, Message: "encode payload", Err: err}
	}
	if req.payload != nil {
		c.logger.Debug("request payload", "endpoint", endpoint, "payload", maskPayload(req.payload))
	}

	attempt := 0
	wait := false
	replayed := false
	for {
		if wait {
			delay := backoff(attempt)
			c.logger.Debug("waiting before retry", "endpoint", endpoint, "wait", delay, "attempt", attempt)
			if err := c.sleep(ctx, delay); err != nil {
				return Response{}, &APIError{Endpoint: endpoint, Message: "retry wait interrupted", Err: err}
			}
		}

		token := ""
		if !req.anonymous {
			token = c.session.current().Value
		}
		c.logger.Debug("sending request",
			"method", req.method,
			"endpoint", endpoint,
			"attempt", attempt+1,
			"max_attempts", c.maxRetries+1,
			"token", logging.TokenPreview(token),
		)

		status, payload, err := c.do(ctx, req.method, endpoint, body, token)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Response{}, &APIError{Endpoint: endpoint, Message: "request cancelled", Err: ctx.Err()}
			}
			if isRetryableError(err) && attempt < c.maxRetries {
				c.logger.Warn("request failed, retrying", "endpoint", endpoint, "attempt", attempt+1, "max_retries", c.maxRetries, "err", err)
				attempt++
				wait = true
				continue
			}
			return Response{}, &APIError{
				Endpoint: endpoint,
				Message:  fmt.Sprintf("request failed after %d attempts", attempt+1),
				Err:      err,
			}

		case status == http.StatusUnauthorized:
			if req.anonymous {
				return Response{}, &AuthenticationError{Reason: "vendor rejected credentials"}
			}
			if attempt == 0 && !req.noReplay {
				c.logger.Debug("token rejected (401), re-authenticating", "endpoint", endpoint)
				if err := c.reauthenticate(ctx, token); err != nil {
					return Response{}, err
				}
				attempt++
				wait = false
				replayed = true
				continue
			}
			reason := "request unauthorized"
			if replayed {
				reason = "request still unauthorized after re-authentication"
			}
			return Response{}, &AuthenticationError{Reason: reason}

		case status == http.StatusTooManyRequests:
			if attempt < c.maxRetries {
				c.logger.Warn("rate limit exceeded, retrying", "endpoint", endpoint, "wait", backoff(attempt+1))
				attempt++
				wait = true
				continue
			}
			return Response{}, &RateLimitError{Endpoint: endpoint, Attempts: attempt + 1}

		case status < 200 || status > 299:
			return Response{}, &APIError{Endpoint: endpoint, StatusCode: status, Message: snippet(payload)}
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return Response{}, &APIError{Endpoint: endpoint, StatusCode: status, Message: "malformed response", Err: err}
		}
		c.logger.Debug("response received", "endpoint", endpoint, "status", status, "success", resp.Success)
		return resp, nil
	}
}

// do performs one HTTP round trip. Rate-limit headers are recorded before the
// status is looked at.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, token string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	for key, values := range c.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	c.rate.update(resp.Header, c.logger)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func maskPayload(payload any) any {
	obj, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	safe := make(map[string]any, len(obj))
	for key, value := range obj {
		if strings.EqualFold(key, "password") {
			safe[key] = "***"
			continue
		}
		safe[key] = value
	}
	return safe
}

func snippet(body []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit]
	}
	return text
}
