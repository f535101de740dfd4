package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateEnv clears every environment variable the config layer reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"QLIK_TENANT", "QLIK_CLOUD_TENANT_URL", "QLIK_TOKEN", "QLIK_CLOUD_API_KEY",
		"MCP_SERVER_HOST", "MCP_SERVER_PORT", "MCP_JWT_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("text output missing fields:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing: %v", info)
	}
}

func TestRun_BadOutputFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--output", "yaml", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"frobnicate"}); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRun_Tools(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"tools"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var out struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"qlik_get_chart_data", "qlik_get_sheet_charts", "qlik_list_apps", "qlik_list_sheets"}
	if len(out.Tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(out.Tools), len(want))
	}
	for i, name := range want {
		if out.Tools[i].Name != name {
			t.Errorf("tools[%d] = %q, want %q", i, out.Tools[i].Name, name)
		}
		if out.Tools[i].InputSchema["type"] != "object" {
			t.Errorf("%s schema type = %v", name, out.Tools[i].InputSchema["type"])
		}
	}
}

func newTenant(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, `{"id":"me"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Check(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name     string
		token    string
		status   int
		wantErr  bool
		wantText string
	}{
		{"ok", "good-token", http.StatusOK, false, "OK"},
		{"bad token", "bad-token", http.StatusOK, true, "[auth]"},
		{"tenant fault", "good-token", http.StatusInternalServerError, true, "[upstream]"},
		{"no token", "", http.StatusOK, true, "[auth]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant := newTenant(t, tt.status)
			cfgPath := writeConfig(t, fmt.Sprintf("qlik:\n  tenant_url: %s/\n  token: %q\n  retry_delay: 1ms\n", tenant.URL, tt.token))

			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, []string{"--config", cfgPath, "check"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(stdout.String(), tt.wantText) {
				t.Errorf("output %q missing %q", stdout.String(), tt.wantText)
			}
			if !strings.Contains(stdout.String(), tenant.URL) {
				t.Errorf("output %q missing normalized tenant", stdout.String())
			}
		})
	}
}

func TestRun_CheckJSON(t *testing.T) {
	isolateEnv(t)
	tenant := newTenant(t, http.StatusOK)
	cfgPath := writeConfig(t, fmt.Sprintf("qlik:\n  tenant_url: %s\n  token: good-token\n", tenant.URL))

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"--config", cfgPath, "-o", "json", "check"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var res checkResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if !res.OK || res.Tenant != tenant.URL {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--config", "/nonexistent/config.yaml", "check"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestRun_ServeShutsDownOnCancel(t *testing.T) {
	isolateEnv(t)
	tenant := newTenant(t, http.StatusOK)
	cfgPath := writeConfig(t, fmt.Sprintf(`listen:
  address: 127.0.0.1
  port: 0
qlik:
  tenant_url: %s
  token: good-token
log_format: json
`, tenant.URL))

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &stdout, &stderr, []string{"--config", cfgPath, "serve"})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	logs := stdout.String()
	for _, want := range []string{`"msg":"starting MCP server"`, `"msg":"shutting down"`} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %s:\n%s", want, logs)
		}
	}
}

func TestRun_ServeRejectsInvalidConfig(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeConfig(t, "log_level: loud\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--config", cfgPath, "serve"})
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Errorf("err = %v", err)
	}
}
