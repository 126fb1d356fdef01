package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
)

func newTestAuthority(t *testing.T) (*Server, *Client) {
	t.Helper()
	srv := NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, 2*time.Second)
	require.NoError(t, err)
	return srv, client
}

func worker(id int64, name, ts string) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{
		"id": id, "first_name": name, "last_name": "Doe", "last_updated": ts,
	})
	return data
}

func TestNewClient_rejectsRelative(t *testing.T) {
	for _, raw := range []string{"localhost:8090", "/api", "ftp://example.com", "http://"} {
		_, err := NewClient(raw, time.Second)
		assert.True(t, errors.Is(err, errors.ErrConfig), raw)
	}

	c, err := NewClient("https://authority.example.com/base/", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "https://authority.example.com/base", c.BaseURL())
}

func TestPing(t *testing.T) {
	_, client := newTestAuthority(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPushPull_roundTrip(t *testing.T) {
	srv, client := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, client.Push(ctx, models.TableWorkers, []json.RawMessage{
		worker(1, "Ada", "2024-01-01T00:00:00Z"),
		worker(2, "Grace", "2024-02-01T00:00:00Z"),
	}))
	assert.Equal(t, 2, srv.Count(models.TableWorkers))

	all, cursor, err := client.Pull(ctx, models.TableWorkers, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(2), cursor)

	none, again, err := client.Pull(ctx, models.TableWorkers, cursor)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, cursor, again)
}

// TestPull_followsReceiveOrder: a record stamped earlier but received later
// is still returned after the cursor of an earlier pull.
func TestPull_followsReceiveOrder(t *testing.T) {
	_, client := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, client.Push(ctx, models.TableWorkers, []json.RawMessage{worker(1, "Ada", "2024-06-01T00:00:00Z")}))
	_, cursor, err := client.Pull(ctx, models.TableWorkers, 0)
	require.NoError(t, err)

	require.NoError(t, client.Push(ctx, models.TableWorkers, []json.RawMessage{worker(2, "Late", "2024-01-01T00:00:00Z")}))
	late, next, err := client.Pull(ctx, models.TableWorkers, cursor)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Contains(t, string(late[0]), "Late")
	assert.Greater(t, next, cursor)

	// a rejected push does not move the cursor
	require.NoError(t, client.Push(ctx, models.TableWorkers, []json.RawMessage{worker(2, "Older", "2023-01-01T00:00:00Z")}))
	_, unchanged, err := client.Pull(ctx, models.TableWorkers, next)
	require.NoError(t, err)
	assert.Equal(t, next, unchanged)
}

func TestPull_rejectsBadCursor(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/collections/workers/records?after=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_lastWriteWins(t *testing.T) {
	srv := NewServer()

	applied, err := srv.Apply(models.TableWorkers, worker(7, "new", "2024-06-01T00:00:00Z"))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = srv.Apply(models.TableWorkers, worker(7, "old", "2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.False(t, applied)

	// Exact tie keeps the server copy.
	applied, err = srv.Apply(models.TableWorkers, worker(7, "tie", "2024-06-01T00:00:00Z"))
	require.NoError(t, err)
	assert.False(t, applied)

	raw, ok := srv.Get(models.TableWorkers, 7)
	require.True(t, ok)
	assert.Contains(t, string(raw), `"new"`)
}

func TestServer_rejectsInvalid(t *testing.T) {
	srv, client := newTestAuthority(t)
	ctx := context.Background()

	err := client.Push(ctx, models.TableWorkers, []json.RawMessage{json.RawMessage(`{"first_name":"x"}`)})
	assert.True(t, errors.Is(err, errors.ErrBadStatus))
	assert.Zero(t, srv.Count(models.TableWorkers))

	_, _, err = client.Pull(ctx, "invoices", 0)
	assert.True(t, errors.Is(err, errors.ErrBadStatus))
}

func TestClient_transportFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client, err := NewClient(url, time.Second)
	require.NoError(t, err)
	err = client.Ping(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestClient_timeout(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		ts.Close()
	})

	client, err := NewClient(ts.URL, 50*time.Millisecond)
	require.NoError(t, err)
	err = client.Ping(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNetworkTimeout))
}

func TestServer_countsRequests(t *testing.T) {
	srv, client := newTestAuthority(t)
	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, int64(2), srv.Requests())
}
