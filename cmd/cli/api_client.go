// Package cli provides the HTTP client used by commands that drive a running
// daemon through its REST API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/anstrom/stascan/internal/config"
)

const (
	clientTimeout = 30 * time.Second
	userAgent     = "stascan-cli/1.0"
)

// APIClient talks to the daemon's REST API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, msg)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, msg)
}

// errorBody mirrors the daemon's error response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// NewAPIClient creates a client for baseURL, e.g. http://127.0.0.1:8380.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// resolveAPIURL picks the API base URL from the flag, the environment or the
// configuration file, in that order.
func resolveAPIURL() (string, error) {
	if u := viper.GetString("api-url"); u != "" {
		return u, nil
	}
	if u := os.Getenv(envPrefix + "_API_URL"); u != "" {
		return u, nil
	}
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.IsAPIEnabled() {
		return "", fmt.Errorf("API is disabled in %s; pass --api-url", getConfigFilePath())
	}
	return "http://" + cfg.GetAPIAddress(), nil
}

// Get performs a GET request and decodes the response into out.
func (c *APIClient) Get(endpoint string, out interface{}) error {
	return c.request(http.MethodGet, endpoint, nil, out)
}

// Post performs a POST request with JSON payload
func (c *APIClient) Post(endpoint string, payload, out interface{}) error {
	return c.request(http.MethodPost, endpoint, payload, out)
}

// Put performs a PUT request with JSON payload
func (c *APIClient) Put(endpoint string, payload, out interface{}) error {
	return c.request(http.MethodPut, endpoint, payload, out)
}

// Delete performs a DELETE request
func (c *APIClient) Delete(endpoint string, out interface{}) error {
	return c.request(http.MethodDelete, endpoint, nil, out)
}

func (c *APIClient) request(method, endpoint string, payload, out interface{}) error {
	url := c.baseURL + endpoint

	var requestBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		requestBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, requestBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var body errorBody
		if len(bodyBytes) > 0 && json.Unmarshal(bodyBytes, &body) == nil {
			msg := body.Message
			if msg == "" {
				msg = body.Error
			}
			return &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: msg, RequestID: body.RequestID}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// handleAPIError provides user-friendly error handling for API errors
func handleAPIError(err error, operation string) {
	apiErr, ok := err.(*APIError)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %s failed: %v\n", operation, err)
		fmt.Fprintf(os.Stderr, "Is the daemon running? Start it with: stascan daemon start\n")
		return
	}

	switch apiErr.StatusCode {
	case http.StatusNotFound:
		fmt.Fprintf(os.Stderr, "Error: Resource not found for %s: %s\n", operation, apiErr.Message)
	case http.StatusConflict:
		fmt.Fprintf(os.Stderr, "Error: %s was refused by the station: %s\n", operation, apiErr.Message)
	case http.StatusServiceUnavailable:
		fmt.Fprintf(os.Stderr, "Error: Station unavailable during %s: %s\n", operation, apiErr.Message)
	case http.StatusInternalServerError:
		fmt.Fprintf(os.Stderr, "Error: Server error during %s\n", operation)
		if apiErr.RequestID != "" {
			fmt.Fprintf(os.Stderr, "Please report this issue with request ID: %s\n", apiErr.RequestID)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: %s failed: %s\n", operation, apiErr.Message)
	}
}

// WithAPIClient is a helper for commands that need API access
func WithAPIClient(operation string, fn func(*APIClient) error) error {
	base, err := resolveAPIURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	if err := fn(NewAPIClient(base)); err != nil {
		handleAPIError(err, operation)
		return err
	}
	return nil
}
