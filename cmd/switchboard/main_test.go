// ABOUTME: Tests for the switchboard CLI
// ABOUTME: Covers logger setup, init, token minting and the API client commands against a stub server

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/transport"
)

const testSecret = "switchboard-operator-secret-32b!"

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { configPath = "" })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func writeTestConfig(t *testing.T, secret string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  http_addr: "127.0.0.1:9999"
database:
  path: "` + filepath.Join(t.TempDir(), "switchboard.db") + `"
auth:
  jwt_secret: "` + secret + `"
transport:
  driver: matrix
  matrix:
    homeserver: "https://matrix.example.org"
    user_id: "@bot:example.org"
    access_token: "tok"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"warning": "WARN",
		"ERROR":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in).String(), "level %q", in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.With("component", "gateway").Info("started", "addr", ":8080")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, "gateway", rec["component"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "store").WithGroup("db").Debug("opened", "path", "/tmp/x.db")

	line := buf.String()
	assert.Contains(t, line, "opened")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, "store")
	assert.Contains(t, line, "db.path=")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:8080", "http://127.0.0.1:8080"},
		{":8080", "http://127.0.0.1:8080"},
		{"[::]:9000", "http://127.0.0.1:9000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
	}
	for _, tt := range tests {
		got, err := apiBaseURL(tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := apiBaseURL("no-port")
	assert.Error(t, err)
}

func TestInit_WritesStarterConfig(t *testing.T) {
	t.Setenv("SWITCHBOARD_MATRIX_TOKEN", "tok")
	t.Setenv("SWITCHBOARD_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	_, err := runCLI(t, "--config", path, "init")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DriverMatrix, cfg.Transport.Driver)

	_, err = runCLI(t, "--config", path, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runCLI(t, "--config", path, "init", "--force")
	require.NoError(t, err)
}

func TestToken_MintsVerifiableToken(t *testing.T) {
	path := writeTestConfig(t, testSecret)

	out, err := runCLI(t, "--config", path, "token", "--operator", "op-marta")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	sub, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "op-marta", sub)
}

func TestToken_RequiresSecretAndOperator(t *testing.T) {
	path := writeTestConfig(t, "")

	_, err := runCLI(t, "--config", path, "token", "--operator", "op-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	_, err = runCLI(t, "--config", path, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--operator")
}

func TestMigrate_ReportsVersion(t *testing.T) {
	path := writeTestConfig(t, "")

	_, err := runCLI(t, "--config", path, "migrate")
	require.NoError(t, err)
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/transport/status", r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(transport.Status{
			Driver:       "matrix",
			State:        transport.StateConnected,
			Connected:    true,
			BoundAddress: "@bot:example.org",
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "status", "--addr", srv.URL, "--token", "tkn")
	require.NoError(t, err)
	assert.Contains(t, out, "matrix")
	assert.Contains(t, out, "@bot:example.org")
}

func TestSendCommand(t *testing.T) {
	var got gateway.SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/conv-1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":{"id":"msg-9","content":"hola"}}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "send", "conv-1", "hola", "que", "tal", "--addr", srv.URL, "--token", "tkn")
	require.NoError(t, err)
	assert.Equal(t, "hola que tal", got.Content)
	assert.Contains(t, out, "msg-9")
}

func TestSendCommand_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"transport not connected"}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "send", "conv-1", "hola", "--addr", srv.URL, "--token", "tkn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport not connected")
}

func TestConversationsCommand_HeaderIdentity(t *testing.T) {
	t.Setenv("SWITCHBOARD_TOKEN", "")
	path := writeTestConfig(t, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "op-cli", r.Header.Get(auth.OperatorHeader))
		_, _ = w.Write([]byte(`{"conversations":[{"id":"conv-7","status":"waiting","client":{"address":"5491100000000"},"unread_count":2}]}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--config", path, "conversations", "--addr", srv.URL, "--operator", "op-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "conv-7")
	assert.Contains(t, out, "waiting")
	assert.Contains(t, out, "5491100000000")
}
