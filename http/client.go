// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package http implements a verification service client over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/verify"
)

// Client posts documents to a verification service. Send may be used
// concurrently.
type Client struct {
	// Client to use for HTTP requests. Nil indicates that the default client
	// should be used.
	Client *http.Client

	// Base URL including scheme. e.g. https://example.com/something_or_not
	Base string

	// MaxContentLength defaults to 1 MiB. Negative values disable content
	// length checking.
	MaxContentLength int64
}

var _ verify.Service = (*Client)(nil)

// Verify implements verify.Service by posting the request as JSON to
// {Base}/verify.
func (c *Client) Verify(ctx context.Context, req verify.Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error encoding verification request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "verify", "application/json", body)
}

// Roots fetches the PEM encoded roots published at {Base}/roots.
func (c *Client) Roots(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "roots", "", nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body []byte) ([]byte, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	uri, err := url.JoinPath(c.Base, endpoint)
	if err != nil {
		return nil, mdl.NewConfigurationError("Client", "base", err.Error())
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reqBody)
	if err != nil {
		return nil, mdl.NewConfigurationError("Client", "base", err.Error())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	debugRequestOut(req, body)

	resp, err := client.Do(req)
	if err != nil {
		// Report the caller's cancellation rather than the wrapped url.Error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &mdl.NetworkError{Op: method, URL: uri, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	debugResponse(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &mdl.NetworkError{Op: method, URL: uri, StatusCode: resp.StatusCode}
	}
	return c.readBody(method, uri, resp)
}

func (c *Client) readBody(method, uri string, resp *http.Response) ([]byte, error) {
	maxSize := c.MaxContentLength
	if maxSize == 0 {
		maxSize = 1 << 20
	}
	if maxSize > 0 && resp.ContentLength > maxSize {
		return nil, &mdl.NetworkError{Op: method, URL: uri,
			Err: fmt.Errorf("content too large (%d bytes)", resp.ContentLength)}
	}

	r := io.Reader(resp.Body)
	if maxSize > 0 {
		r = io.LimitReader(resp.Body, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &mdl.NetworkError{Op: method, URL: uri, Err: err}
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, &mdl.NetworkError{Op: method, URL: uri, Err: errors.New("content too large")}
	}
	return data, nil
}
