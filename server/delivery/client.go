/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectTimeout bounds dialing the remote delivery endpoint.
const ConnectTimeout = 10 * time.Second

const tokenHeader = "X-Mail-Token"

// Config bundles delivery client configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	// BaseURI is the remote endpoint, for example https://host.
	BaseURI   *url.URL
	Token     string
	UserAgent string

	// HTTPClient is optional, a client with ConnectTimeout is used if nil.
	HTTPClient *http.Client
}

// Client talks to the remote mail delivery API.
type Client struct {
	logger logrus.FieldLogger

	baseURI    *url.URL
	token      string
	userAgent  string
	httpClient *http.Client
}

// BaseURIFromHost returns the https base URI for the configured host.
func BaseURIFromHost(host string) (*url.URL, error) {
	u, err := url.Parse("https://" + host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid host: %q", host)
	}
	return u, nil
}

// New creates a delivery client.
func New(config *Config) (*Client, error) {
	if config.BaseURI == nil {
		return nil, fmt.Errorf("delivery: base uri must not be nil")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: ConnectTimeout,
			},
		}
	}

	return &Client{
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "delivery",
		}),

		baseURI:    config.BaseURI,
		token:      config.Token,
		userAgent:  config.UserAgent,
		httpClient: httpClient,
	}, nil
}

// Deliver posts the raw message to the remote pipe endpoint and returns the
// confirmation text of the remote. Failures are returned as *Error.
func (c *Client) Deliver(ctx context.Context, body []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("pipe"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create delivery request: %w", err)
	}
	request.Header.Set("Content-Type", "text/plain")

	c.logger.WithField("size", len(body)).Debugln("delivering message")

	return c.do(request)
}

// Fetch returns the current authoritative content of the named routing table.
func (c *Client) Fetch(ctx context.Context, table string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(table), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch request: %w", err)
	}

	c.logger.WithField("table", table).Debugln("fetching table")

	return c.do(request)
}

func (c *Client) endpoint(name string) string {
	return c.baseURI.ResolveReference(&url.URL{
		Path: "/mail_delivery/" + name,
	}).String()
}

func (c *Client) do(request *http.Request) (string, error) {
	request.Header.Set(tokenHeader, c.token)
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// No response at all is classified like an internal server error.
		return "", NewError(http.StatusInternalServerError, err.Error())
	}
	defer response.Body.Close()

	text, readErr := io.ReadAll(response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"url":    request.URL.String(),
			"status": response.StatusCode,
		}).Debugln("remote request failed")
		return "", NewError(response.StatusCode, string(text))
	}
	if readErr != nil {
		return "", NewError(http.StatusInternalServerError, readErr.Error())
	}

	return string(text), nil
}
