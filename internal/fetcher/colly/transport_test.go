package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}
}

func TestRetryTransportRetriesHandshakeTimeouts(t *testing.T) {
	t.Parallel()

	calls := 0
	rt := &retryTransport{
		base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("net/http: tls: handshake timeout")
			}
			return okResponse(req), nil
		}),
		backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
	req, err := http.NewRequest(http.MethodGet, "https://render.example/?url=x", nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, calls)
	require.NoError(t, resp.Body.Close())
}

func TestRetryTransportGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	rt := &retryTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return nil, errors.New("tls: handshake timeout")
		}),
		backoff: []time.Duration{time.Millisecond},
	}
	req, err := http.NewRequest(http.MethodGet, "https://render.example/", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.ErrorContains(t, err, "exhausted retries")
	require.Equal(t, 2, calls)
}

func TestRetryTransportPassesThroughPermanentErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	rt := newRetryTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	}))
	req, err := http.NewRequest(http.MethodGet, "https://render.example/", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, calls)
}

func TestRetryTransportRejectsNilRequest(t *testing.T) {
	t.Parallel()

	_, err := newRetryTransport(http.DefaultTransport).RoundTrip(nil)
	require.Error(t, err)
}

func TestIsTransientTLSError(t *testing.T) {
	t.Parallel()

	require.False(t, isTransientTLSError(nil))
	require.True(t, isTransientTLSError(context.DeadlineExceeded))
	require.True(t, isTransientTLSError(errors.New("remote error: tls: handshake timeout")))
	require.False(t, isTransientTLSError(errors.New("no such host")))
}
