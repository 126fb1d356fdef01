package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/remote"
)

// =====================================================
// Test Helpers
// =====================================================

type env struct {
	config    string
	authority *remote.Server
}

// newEnv writes a config pointing at a fresh data directory, an in-memory
// authority and a static origin.
func newEnv(t *testing.T) *env {
	t.Helper()
	authority := remote.NewServer()
	authSrv := httptest.NewServer(authority)
	t.Cleanup(authSrv.Close)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "asset %s", r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "colfexpress.yaml")
	body := fmt.Sprintf(`
data_dir: %s
authority:
  url: %s
cache:
  origin: %s
sync:
  strategy: background
`, filepath.Join(dir, "data"), authSrv.URL, origin.URL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return &env{config: path, authority: authority}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// =====================================================
// Command Tree Tests
// =====================================================

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	require.NotNil(t, cmd)
	assert.Equal(t, "colfexpress", cmd.Use)

	commands := [][]string{
		{"serve"}, {"sync"}, {"logs"}, {"authority"}, {"version"},
		{"cache", "install"}, {"cache", "activate"}, {"cache", "status"},
		{"records", "add-sample"}, {"records", "list"}, {"records", "clear"},
	}
	for _, path := range commands {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")
	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("data-dir"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))
}

func TestVersion(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--config", "/nonexistent/colfexpress.yaml"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "colfexpress 1.2.3\n", out.String())
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colfexpress.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  strategy: sometimes\n"), 0644))

	cmd := NewRootCommand("test")
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "logs"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.strategy")
}

// =====================================================
// Records and Sync Tests
// =====================================================

func TestRecords_addSampleSyncs(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "records", "add-sample")
	require.NoError(t, err)
	assert.Contains(t, out, "added 5 sample records")
	assert.Contains(t, out, "sync ran")

	for _, table := range models.EntityTables {
		assert.Equal(t, 1, e.authority.Count(table), table)
	}

	out, err = e.run(t, "records", "list", "workers")
	require.NoError(t, err)
	var w models.Worker
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &w))
	assert.Equal(t, "Marie", w.FirstName)
}

func TestRecords_clear(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "records", "add-sample")
	require.NoError(t, err)

	out, err := e.run(t, "records", "clear", "payments")
	require.NoError(t, err)
	assert.Contains(t, out, "payments: 1 deleted")

	out, err = e.run(t, "records", "clear", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "workers: 1 deleted")

	_, err = e.run(t, "records", "clear")
	assert.Error(t, err)
	_, err = e.run(t, "records", "clear", "invoices")
	assert.Error(t, err)
}

func TestSync_pullsRemoteRecords(t *testing.T) {
	e := newEnv(t)
	_, err := e.authority.Apply(models.TableWorkers,
		[]byte(`{"id":7,"first_name":"Remote","last_updated":"2024-01-01T00:00:00.000000000Z"}`))
	require.NoError(t, err)

	out, err := e.run(t, "sync", "--json")
	require.NoError(t, err)
	var body struct {
		Outcome string `json:"outcome"`
		Result  struct {
			Tables []struct {
				Table   string `json:"table"`
				Applied int    `json:"applied"`
			} `json:"tables"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "ran", body.Outcome)
	require.NotEmpty(t, body.Result.Tables)
	assert.Equal(t, models.TableWorkers, body.Result.Tables[0].Table)
	assert.Equal(t, 1, body.Result.Tables[0].Applied)

	out, err = e.run(t, "records", "list", "workers")
	require.NoError(t, err)
	assert.Contains(t, out, `"first_name":"Remote"`)
}

func TestSync_fullResetsWatermarks(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "records", "add-sample")
	require.NoError(t, err)

	received := func(args ...string) int {
		t.Helper()
		out, err := e.run(t, append([]string{"sync", "--json"}, args...)...)
		require.NoError(t, err)
		var body struct {
			Result struct {
				Tables []struct {
					Table    string `json:"table"`
					Received int    `json:"received"`
				} `json:"tables"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		for _, tr := range body.Result.Tables {
			if tr.Table == models.TableWorkers {
				return tr.Received
			}
		}
		t.Fatalf("no workers table in %s", out)
		return 0
	}

	received()
	assert.Equal(t, 0, received())
	assert.Equal(t, 1, received("--full"))
	assert.Equal(t, 0, received())
}

func TestSync_offlineDefers(t *testing.T) {
	e := newEnv(t)
	t.Setenv("COLFEXPRESS_CONNECTIVITY_FORCE_OFFLINE", "true")

	out, err := e.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "sync deferred")

	out, err = e.run(t, "logs", "--category", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "sync deferred until online (manual)")
}

// =====================================================
// Cache Tests
// =====================================================

func TestCache_activateAndStatus(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "cache", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no generations stored")

	out, err = e.run(t, "cache", "activate")
	require.NoError(t, err)
	assert.Contains(t, out, "active: core-v1, static-v1")

	out, err = e.run(t, "cache", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "core-v1")
	assert.Contains(t, out, "static-v1")
	assert.Contains(t, out, "total")
}

func TestCache_bypass(t *testing.T) {
	e := newEnv(t)
	t.Setenv("COLFEXPRESS_CACHE_BYPASS", "true")

	out, err := e.run(t, "cache", "install")
	require.NoError(t, err)
	assert.Contains(t, out, "bypass")
}
