// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxStreamLine bounds one NDJSON update from the monitor endpoint.
const maxStreamLine = 4 << 20

// APIError is a non-success response from the API.
type APIError struct {
	Status      int
	Message     string
	FailedNodes []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	if len(e.FailedNodes) > 0 {
		msg += fmt.Sprintf(" (failed nodes: %s)", strings.Join(e.FailedNodes, ", "))
	}
	return msg
}

// APIClient is the client for EgressWatch API communication.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// newAPIClient creates a client with the request timeout from o.
func newAPIClient(o *options) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(o.apiEndpoint, "/"),
		HTTPClient: &http.Client{Timeout: o.timeout},
	}
}

// Get performs a GET request to the API.
func (c *APIClient) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, result)
}

// Post performs a POST request with a JSON body.
func (c *APIClient) Post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, result)
}

// Stream performs a GET request and calls fn for every line of the
// response body. The client timeout does not apply; ctx bounds the stream.
func (c *APIClient) Stream(ctx context.Context, path string, query url.Values, fn func(line []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := *c.HTTPClient
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

func (c *APIClient) url(path string, query url.Values) string {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs a JSON request.
func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return handleErrorResponse(resp)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// handleErrorResponse parses error responses from the API.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var errResp struct {
		Error       string   `json:"error"`
		FailedNodes []string `json:"failed_nodes"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: errResp.Error, FailedNodes: errResp.FailedNodes}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
