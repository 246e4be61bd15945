package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd/pkg/util"
)

// Client is a holder of an http.Client with the request conventions of a named transport: user agent,
// custom headers, compression and retries. The underlying Client is exposed so that things that require
// a real http.Client (such as CloudWatch) can still utilize the TransportPool.
type Client struct {
	logger        logrus.FieldLogger
	compress      bool
	compressLevel int
	customHeaders map[string]string
	debugBody     bool
	userAgent     string

	Client *http.Client
}

// PostOptions allows for the caller to override default behaviors.
type PostOptions struct {
	// Headers are added to the request. Custom headers of the transport win over them.
	Headers map[string]string
	// Retry creates the backoff policy of the request. A nil Retry makes a single attempt.
	Retry util.BackoffFactory
	// DisableCompression will force compression to be off.
	DisableCompression bool
}

// PostJSON serializes data and posts it to url, retrying as options allow. It returns the error of the
// last attempt.
func (hc *Client) PostJSON(ctx context.Context, url string, data interface{}, options *PostOptions) error {
	body, err := encodeJSON(data, hc.debugBody)
	if err != nil {
		return fmt.Errorf("unable to marshal body: %w", err)
	}
	if options == nil {
		options = &PostOptions{}
	}

	encoding := "identity"
	if hc.compress && !hc.debugBody && !options.DisableCompression {
		if body, err = deflate(body, hc.compressLevel); err != nil {
			return fmt.Errorf("unable to compress body: %w", err)
		}
		encoding = "deflate"
	}
	return hc.PostRaw(ctx, url, "application/json", encoding, body, options)
}

// PostRaw posts body to url, retrying as options allow. It returns the error of the last attempt.
func (hc *Client) PostRaw(ctx context.Context, url, contentType, encoding string, body []byte, options *PostOptions) error {
	if options == nil {
		options = &PostOptions{}
	}
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if options.Retry != nil {
		bo = options.Retry()
	}

	for {
		err := hc.post(ctx, url, contentType, encoding, options.Headers, body)
		if err == nil {
			return nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return err
		}

		hc.logger.WithError(err).Warn("failed to send, retrying")

		if !util.Sleep(ctx, next) {
			return err
		}
	}
}

func (hc *Client) post(ctx context.Context, url, contentType, encoding string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unable to create http.Request: %w", err)
	}

	// Base headers
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Encoding", encoding)
	req.Header.Set("User-Agent", hc.userAgent)

	// Caller headers
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// Custom headers always win
	for key, value := range hc.customHeaders {
		if value == "" { // Provide a way to delete headers
			req.Header.Del(key)
		} else {
			req.Header.Set(key, value)
		}
	}

	if hc.debugBody {
		hc.logger.WithField("body", string(body)).Debug("sending request")
	}

	resp, err := hc.Client.Do(req)
	if err != nil {
		return fmt.Errorf("error POSTing: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStart, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bodyStart)}
	}
	return nil
}

// StatusError is returned for responses without a 2xx status.
type StatusError struct {
	StatusCode int
	// Body is the start of the response body.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received bad status code %d: %s", e.StatusCode, e.Body)
}
