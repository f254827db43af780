// Package modelserver talks to the model-serving backend's management and
// inference APIs. Registering a model loads and scales it; unregistering
// tears it down.
package modelserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"workflow-manager/internal/common/errors"
	httpclient "workflow-manager/internal/common/http"
)

const serviceName = "model-server"

// Client wraps the backend HTTP APIs with error mapping and retry logic.
type Client struct {
	http   *httpclient.Client
	config *ClientConfig
}

// ClientConfig holds configuration for the model server client.
type ClientConfig struct {
	ManagementURL  string
	InferenceURL   string
	RequestTimeout time.Duration
	RetryConfig    *RetryConfig
}

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// RegisterRequest carries the registration parameters of one model.
type RegisterRequest struct {
	URL             string
	ModelName       string
	Handler         string
	BatchSize       int
	MaxBatchDelay   int
	InitialWorkers  int
	ResponseTimeout int
	Synchronous     bool
}

// StatusResponse is what the management API answers for register calls.
type StatusResponse struct {
	StatusCode int
	Status     string
}

// Prediction is the raw inference output of one model.
type Prediction struct {
	ContentType string
	Body        []byte
}

type apiError struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiStatus struct {
	Status string `json:"status"`
}

// NewClient creates a client with default retry settings.
func NewClient(managementURL, inferenceURL string) *Client {
	return NewClientWithConfig(&ClientConfig{
		ManagementURL:  managementURL,
		InferenceURL:   inferenceURL,
		RequestTimeout: 120 * time.Second,
		RetryConfig:    DefaultRetryConfig,
	})
}

func NewClientWithConfig(config *ClientConfig) *Client {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig
	}
	config.ManagementURL = strings.TrimRight(config.ManagementURL, "/")
	config.InferenceURL = strings.TrimRight(config.InferenceURL, "/")
	return &Client{
		http:   httpclient.NewClient(config.RequestTimeout),
		config: config,
	}
}

// RegisterModel asks the backend to load and scale one model. A non-2xx
// answer is not an error: it comes back as a StatusResponse. Only transport
// failures are returned as errors.
func (c *Client) RegisterModel(ctx context.Context, req RegisterRequest) (*StatusResponse, error) {
	q := url.Values{}
	q.Set("url", req.URL)
	q.Set("model_name", req.ModelName)
	if req.Handler != "" {
		q.Set("handler", req.Handler)
	}
	if req.BatchSize > 0 {
		q.Set("batch_size", strconv.Itoa(req.BatchSize))
	}
	if req.MaxBatchDelay > 0 {
		q.Set("max_batch_delay", strconv.Itoa(req.MaxBatchDelay))
	}
	if req.InitialWorkers > 0 {
		q.Set("initial_workers", strconv.Itoa(req.InitialWorkers))
	}
	if req.ResponseTimeout > 0 {
		q.Set("response_timeout", strconv.Itoa(req.ResponseTimeout))
	}
	q.Set("synchronous", strconv.FormatBool(req.Synchronous))

	resp, err := c.http.Send(ctx, http.MethodPost, c.config.ManagementURL+"/models?"+q.Encode(), nil, "")
	if err != nil {
		return nil, c.mapTransportError(err, "register "+req.ModelName, 0)
	}
	return &StatusResponse{StatusCode: resp.StatusCode, Status: statusMessage(resp)}, nil
}

// UnregisterModel removes a model from the backend. Missing models and
// versions come back as MODEL_NOT_FOUND / MODEL_VERSION_NOT_FOUND errors.
func (c *Client) UnregisterModel(ctx context.Context, modelName string) error {
	endpoint := c.config.ManagementURL + "/models/" + url.PathEscape(modelName)
	_, err := c.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		return c.http.Send(ctx, http.MethodDelete, endpoint, nil, "")
	}, "unregister "+modelName)
	if err != nil {
		return err
	}
	return nil
}

// Predict runs one inference request against a registered model.
func (c *Client) Predict(ctx context.Context, modelName string, body []byte, contentType string) (*Prediction, error) {
	endpoint := c.config.InferenceURL + "/predictions/" + url.PathEscape(modelName)
	resp, err := c.http.Send(ctx, http.MethodPost, endpoint, body, contentType)
	if err != nil {
		return nil, c.mapTransportError(err, "predict "+modelName, 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatusError(resp, modelName)
	}
	return &Prediction{ContentType: resp.ContentType, Body: resp.Body}, nil
}

// ExecuteWithRetry runs commandFunc with exponential backoff. Transport
// failures that look transient are retried; an HTTP response is mapped
// through mapStatusError and never retried unless it is a 5xx/503.
func (c *Client) ExecuteWithRetry(
	ctx context.Context,
	commandFunc func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryConfig.MaxRetries; attempt++ {
		result, err := commandFunc(ctx)
		if err == nil {
			resp, ok := result.(*httpclient.Response)
			if !ok || resp.StatusCode < 300 {
				return result, nil
			}
			err = c.mapStatusError(resp, modelFromOperation(operationName))
			if resp.StatusCode != http.StatusServiceUnavailable || attempt == c.config.RetryConfig.MaxRetries {
				return nil, err
			}
			lastErr = err
		} else {
			lastErr = err
			if !isRetryableError(err) || attempt == c.config.RetryConfig.MaxRetries {
				return nil, c.mapTransportError(err, operationName, attempt)
			}
		}

		delay := c.config.RetryConfig.BaseDelay * time.Duration(1<<attempt)
		if delay > c.config.RetryConfig.MaxDelay {
			delay = c.config.RetryConfig.MaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("operation %s cancelled after %d attempts: %w", operationName, attempt+1, ctx.Err())
		}
	}

	return nil, fmt.Errorf("operation %s failed after %d retries: %w", operationName, c.config.RetryConfig.MaxRetries, lastErr)
}

// HealthCheck pings the inference API.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.http.Send(ctx, http.MethodGet, c.config.InferenceURL+"/ping", nil, "")
	if err != nil {
		return fmt.Errorf("model server health check failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func isRetryableError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
		"eof",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func (c *Client) mapTransportError(err error, operation string, attempt int) error {
	msg := fmt.Sprintf("model server operation '%s' failed", operation)
	if attempt > 0 {
		msg += fmt.Sprintf(" after %d attempts", attempt+1)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return errors.NewTimeoutError(serviceName, fmt.Errorf("%s: %w", msg, err))
	}
	return errors.NewExternalServiceError(serviceName, fmt.Errorf("%s: %w", msg, err))
}

func (c *Client) mapStatusError(resp *httpclient.Response, modelName string) error {
	var apiErr apiError
	_ = json.Unmarshal(resp.Body, &apiErr)

	switch {
	case apiErr.Type == "ModelVersionNotFoundException":
		return errors.NewModelVersionNotFoundError(modelName, "")
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewModelNotFoundError(modelName)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return errors.NewExternalServiceError(serviceName, fmt.Errorf("status %d: %s", resp.StatusCode, statusMessage(resp)))
	default:
		return errors.NewInternalError(fmt.Errorf("model server returned %d: %s", resp.StatusCode, statusMessage(resp)))
	}
}

// statusMessage extracts the human-readable text of a management API answer.
func statusMessage(resp *httpclient.Response) string {
	var st apiStatus
	if err := json.Unmarshal(resp.Body, &st); err == nil && st.Status != "" {
		return st.Status
	}
	var apiErr apiError
	if err := json.Unmarshal(resp.Body, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.TrimSpace(string(resp.Body))
}

func modelFromOperation(operation string) string {
	if i := strings.LastIndex(operation, " "); i >= 0 {
		return operation[i+1:]
	}
	return operation
}
