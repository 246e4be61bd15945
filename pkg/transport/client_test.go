package transport

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/harvestd/pkg/util"
)

func poolFromConfig(t *testing.T, config string) *TransportPool {
	v := viper.New()
	v.SetConfigType("toml")
	err := v.ReadConfig(bytes.NewBufferString(config))
	require.NoError(t, err)
	p := NewTransportPool(logrus.New(), v)
	return p
}

func TestClientPostJSON(t *testing.T) {
	t.Parallel()

	var got http.Header
	var body []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = ioutil.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	p := poolFromConfig(t, "")
	c, err := p.Get("default")
	require.NoError(t, err)
	err = c.PostJSON(context.Background(), ts.URL, map[string]interface{}{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", got.Get("content-type"))
	assert.Equal(t, "identity", got.Get("content-encoding"))
	assert.Equal(t, "harvestd", got.Get("user-agent"))
	assert.JSONEq(t, `{"a":1}`, string(body))
}

func TestClientCompress(t *testing.T) {
	t.Parallel()

	var body []byte
	var encoding string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("content-encoding")
		zr, err := zlib.NewReader(r.Body)
		if err == nil {
			body, _ = ioutil.ReadAll(zr)
		}
		w.WriteHeader(204)
	}))
	defer ts.Close()

	p := poolFromConfig(t, `
[transport.default]
compress = true
`)
	c, err := p.Get("default")
	require.NoError(t, err)
	require.NoError(t, c.PostJSON(context.Background(), ts.URL, []int{1, 2}, nil))
	assert.Equal(t, "deflate", encoding)
	assert.Equal(t, "[1,2]", string(body))
}

func TestClientUserAddHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Remove the headers added by the library
		r.Header.Del("accept-encoding")
		r.Header.Del("content-length")
		got = r.Header.Clone()
		drain(r.Body)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	p := poolFromConfig(t, `
[transport.default]
custom-headers = {"foo"="bar", "key1"=""}
`)
	c, err := p.Get("default")
	require.NoError(t, err)
	headers := map[string]string{
		"key1":       "value1",
		"key2":       "value2",
		"user-agent": "custom",
	}
	err = c.PostRaw(context.Background(), ts.URL, "text/plain", "identity", nil, &PostOptions{Headers: headers})
	require.NoError(t, err)

	expected := http.Header{}
	expected.Set("content-type", "text/plain")
	expected.Set("content-encoding", "identity")
	// key1 not present, removed by user
	expected.Set("key2", "value2")       // caller added
	expected.Set("user-agent", "custom") // caller override
	expected.Set("foo", "bar")           // user added
	require.EqualValues(t, expected, got)
}

func TestClientRetries(t *testing.T) {
	t.Parallel()

	count := uint64(0)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		drain(r.Body)
		if atomic.AddUint64(&count, 1) == 2 {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(500)
		}
	}))
	defer ts.Close()

	v := viper.New()
	v.Set("retry-policy", util.PolicyConstant)
	v.Set("retry-interval", "1ns")
	retry, err := util.RetryFromViper(v, util.PolicyExponential)
	require.NoError(t, err)

	c, err := poolFromConfig(t, "").Get("default")
	require.NoError(t, err)
	require.NoError(t, c.PostRaw(context.Background(), ts.URL, "text/plain", "identity", nil, &PostOptions{Retry: retry}))
	assert.EqualValues(t, 2, atomic.LoadUint64(&count))
}

func TestClientNoRetryReturnsStatusError(t *testing.T) {
	t.Parallel()

	count := uint64(0)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&count, 1)
		w.WriteHeader(503)
		_, _ = w.Write([]byte("unavailable"))
	}))
	defer ts.Close()

	c, err := poolFromConfig(t, "").Get("default")
	require.NoError(t, err)
	err = c.PostRaw(context.Background(), ts.URL, "text/plain", "identity", nil, nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Equal(t, "unavailable", statusErr.Body)
	assert.EqualValues(t, 1, atomic.LoadUint64(&count))
}
