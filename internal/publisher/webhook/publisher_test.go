package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

func sampleBatch() crawler.DeliveryBatch {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return crawler.DeliveryBatch{
		Records: []crawler.Record{
			{Name: "The Loft", Source: "TagVenue", DirURL: "https://www.tagvenue.com/rooms/london/1", FetchedAt: at},
			{Name: "Hall", City: "Leeds", Source: "TagVenue", DirURL: "https://www.tagvenue.com/rooms/leeds/2", FetchedAt: at},
		},
		Lineage: crawler.Lineage{RunID: "run-1", SourceID: "TagVenue", Shard: crawler.ShardSpec{Index: 0, Total: 1}, FirstPage: 4, LastPage: 4},
	}
}

func TestNewValidatesEndpoint(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "ftp://example.com", "not a url", "https://"} {
		_, err := New(Config{Endpoint: endpoint})
		var cfgErr *crawler.ConfigurationError
		require.ErrorAs(t, err, &cfgErr, endpoint)
		require.Equal(t, "sink.endpoint", cfgErr.Field)
	}
}

func TestDeliverPostsTokenAndRows(t *testing.T) {
	t.Parallel()

	var got struct {
		Token string           `json:"token"`
		Rows  []map[string]any `json:"rows"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	pub, err := New(Config{Endpoint: srv.URL, Token: "job-token"})
	require.NoError(t, err)
	require.NoError(t, pub.Deliver(context.Background(), sampleBatch()))

	require.Equal(t, "job-token", got.Token)
	require.Len(t, got.Rows, 2)
	require.Equal(t, "The Loft", got.Rows[0]["name"])
	require.Equal(t, "", got.Rows[0]["city"])
	require.Equal(t, "TagVenue", got.Rows[0]["source"])
	require.Equal(t, "https://www.tagvenue.com/rooms/london/1", got.Rows[0]["dirUrl"])
	require.Equal(t, "2026-03-01T09:30:00.000Z", got.Rows[0]["fetchedAt"])
}

func TestDeliverReportsNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "sheet locked", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	pub, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	err = pub.Deliver(context.Background(), sampleBatch())
	require.ErrorIs(t, err, crawler.ErrDeliveryFailure)
	var delErr *crawler.DeliveryError
	require.True(t, errors.As(err, &delErr))
	require.Equal(t, http.StatusInternalServerError, delErr.Status)
	require.ErrorContains(t, err, "sheet locked")
}

func TestDeliverHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	pub, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = pub.Deliver(ctx, sampleBatch())
	require.ErrorIs(t, err, crawler.ErrDeliveryFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), hits.Load())
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	t.Cleanup(srv.Close)

	pub, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	require.NoError(t, pub.Ping(context.Background()))

	srv.Close()
	require.Error(t, pub.Ping(context.Background()))
}
