// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultClientTimeout = 10 * time.Second
	defaultRetries       = 3
)

// A Client talks to a coordinator's HTTP API. Heartbeats that fail
// with a network error or a 5xx response are retried, so the
// coordinator may see the same heartbeat more than once.
type Client struct {
	// Scheme and host:port of the coordinator, e.g.,
	// "https://coordinator.example:9010".
	APIHost string

	// Token sent as "Authorization: Bearer {token}".
	AuthToken string

	// Accept unverified TLS certificates.
	Insecure bool

	// Timeout for each attempt. Zero means the default (10s).
	Timeout time.Duration

	// Maximum number of retries after the first attempt. Negative
	// means none; zero means the default (3).
	Retries int

	// Minimum wait between retries. Zero means the library
	// default.
	RetryWaitMin time.Duration

	Logger logrus.FieldLogger

	setupOnce sync.Once
	rc        *retryablehttp.Client
}

// NewClientFromEnv creates a new Client that uses the default HTTP
// client, with the coordinator address and token from environment
// variables STRAM_API_HOST and STRAM_API_TOKEN.
func NewClientFromEnv() *Client {
	insecure := false
	if s := strings.ToLower(os.Getenv("STRAM_API_HOST_INSECURE")); s == "1" || s == "yes" || s == "true" {
		insecure = true
	}
	return &Client{
		APIHost:   os.Getenv("STRAM_API_HOST"),
		AuthToken: os.Getenv("STRAM_API_TOKEN"),
		Insecure:  insecure,
	}
}

// TransactionError is returned when the coordinator responds with a
// non-2xx status.
type TransactionError struct {
	Method     string
	URL        url.URL
	StatusCode int
	Status     string
	Errors     []string
}

func (e TransactionError) Error() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "request failed: %s %s: %s", e.Method, e.URL.String(), e.Status)
	if len(e.Errors) > 0 {
		fmt.Fprintf(&buf, ": %s", strings.Join(e.Errors, "; "))
	}
	return buf.String()
}

// HTTPStatus returns the response status code.
func (e TransactionError) HTTPStatus() int {
	return e.StatusCode
}

func (c *Client) setup() {
	rc := retryablehttp.NewClient()
	switch {
	case c.Retries < 0:
		rc.RetryMax = 0
	case c.Retries == 0:
		rc.RetryMax = defaultRetries
	default:
		rc.RetryMax = c.Retries
	}
	if c.RetryWaitMin > 0 {
		rc.RetryWaitMin = c.RetryWaitMin
		if rc.RetryWaitMax < c.RetryWaitMin {
			rc.RetryWaitMax = c.RetryWaitMin * 4
		}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	rc.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.Insecure},
		},
	}
	if c.Logger != nil {
		rc.Logger = c.Logger
	} else {
		rc.Logger = nil
	}
	// Hand back the last response so its JSON error body can be
	// reported.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.rc = rc
}

// Heartbeat sends a heartbeat and returns the coordinator's
// response.
func (c *Client) Heartbeat(ctx context.Context, hb ContainerHeartbeat) (ContainerHeartbeatResponse, error) {
	var resp ContainerHeartbeatResponse
	err := c.RequestAndDecode(ctx, &resp, "POST", "stram/v1/heartbeat", hb)
	return resp, err
}

// RequestAndDecode sends a request with an optional JSON body and
// decodes the JSON response into dst (unless dst is nil).
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, body interface{}) error {
	c.setupOnce.Do(c.setup)
	u, err := url.Parse(strings.TrimSuffix(c.APIHost, "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return err
	}
	var reqBody []byte
	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.rc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		terr := TransactionError{
			Method:     method,
			URL:        *u,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		var errResp struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(buf, &errResp) == nil {
			terr.Errors = errResp.Errors
		}
		return terr
	}
	if dst == nil || len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, dst)
}
