// Package api performs the core's authenticated REST calls. Every network
// operation in the module funnels through Executor so retry, backoff, error
// classification, and 401 handling live in exactly one place.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CredentialSource supplies the bearer token for outgoing requests and is
// told when the server rejects it. The session manager implements this; the
// executor deliberately knows nothing else about sessions.
type CredentialSource interface {
	Credential() string
	// InvalidateCredential is called on any 401 so the session is torn down
	// globally, regardless of which caller issued the request.
	InvalidateCredential()
}

type ExecutorOptions struct {
	BaseURL     string
	Credentials CredentialSource
	HTTPClient  *http.Client
	Retry       RetryPolicy
	Logger      zerolog.Logger
}

type Executor struct {
	baseURL     string
	credentials CredentialSource
	httpClient  *http.Client
	retry       RetryPolicy
	logger      zerolog.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		baseURL:     baseURL,
		credentials: opts.Credentials,
		httpClient:  httpClient,
		retry:       retry,
		logger:      opts.Logger,
	}
}

// Execute performs one authenticated call and decodes the JSON response into
// out (which may be nil). Transient failures (transport errors, 5xx) are
// retried under the policy; a 401 tears down the session and fails with
// ErrAuthentication without retrying; other 4xx fail with ErrClient carrying
// the server message.
func (e *Executor) Execute(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "req_" + uuid.NewString()

	var lastErr error
	for attempt := 1; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if e.credentials != nil {
			if token := strings.TrimSpace(e.credentials.Credential()); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if e.retry.ShouldRetry(attempt) {
				e.logger.Debug().Err(err).Int("attempt", attempt).
					Str("method", method).Str("path", requestPath).
					Msg("transport failure, retrying")
				if waitErr := waitWithContext(ctx, e.retry.Delay(attempt)); waitErr != nil {
					return &NetworkError{Cause: waitErr, Attempts: attempt}
				}
				continue
			}
			return &NetworkError{Cause: lastErr, Attempts: attempt}
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if e.retry.ShouldRetry(attempt) {
				if waitErr := waitWithContext(ctx, e.retry.Delay(attempt)); waitErr != nil {
					return &NetworkError{Cause: waitErr, Attempts: attempt}
				}
				continue
			}
			return &NetworkError{Cause: lastErr, Attempts: attempt}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)

		case resp.StatusCode == http.StatusUnauthorized:
			e.logger.Warn().Str("method", method).Str("path", requestPath).
				Msg("credential rejected, ending session")
			if e.credentials != nil {
				e.credentials.InvalidateCredential()
			}
			return &AuthError{Message: serverMessage(payload)}

		case resp.StatusCode >= 500 && resp.StatusCode <= 599:
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, serverMessage(payload))
			if e.retry.ShouldRetry(attempt) {
				e.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).
					Str("method", method).Str("path", requestPath).
					Msg("server failure, retrying")
				if waitErr := waitWithContext(ctx, e.retry.Delay(attempt)); waitErr != nil {
					return &NetworkError{Cause: waitErr, Attempts: attempt}
				}
				continue
			}
			return &NetworkError{Cause: lastErr, Attempts: attempt}

		default:
			var errPayload struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(payload, &errPayload)
			if errPayload.Message == "" {
				errPayload.Message = http.StatusText(resp.StatusCode)
			}
			return &ClientError{
				StatusCode: resp.StatusCode,
				Code:       errPayload.Code,
				Message:    errPayload.Message,
			}
		}
	}
}

func serverMessage(payload []byte) string {
	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return errPayload.Message
}
