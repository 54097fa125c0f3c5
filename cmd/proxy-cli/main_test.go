package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]string
}

func stubProxy(t *testing.T, status int, response string) *[]recordedRequest {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.Body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		seen = append(seen, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	prevURL, prevToken, prevAdmin := proxyURL, proxyToken, adminToken
	proxyURL, proxyToken, adminToken = srv.URL, "caller-jwt", "admin-secret"
	t.Cleanup(func() {
		proxyURL, proxyToken, adminToken = prevURL, prevToken, prevAdmin
	})
	return &seen
}

func TestStakeCommandPostsAmount(t *testing.T) {
	seen := stubProxy(t, http.StatusAccepted, `{"call_id":"abc","pending":true}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"stake", "1500"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if len(*seen) != 1 {
		t.Fatalf("expected one request, got %d", len(*seen))
	}
	req := (*seen)[0]
	if req.Method != http.MethodPost || req.Path != "/v1/stake" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer caller-jwt" {
		t.Fatalf("unexpected authorization %q", req.Auth)
	}
	if req.Body["amount"] != "1500" {
		t.Fatalf("unexpected amount %q", req.Body["amount"])
	}
	if !strings.Contains(stdout.String(), `"call_id": "abc"`) {
		t.Fatalf("expected pretty-printed receipt, got %q", stdout.String())
	}
}

func TestAmountCommandRejectsInvalidInput(t *testing.T) {
	seen := stubProxy(t, http.StatusOK, `{}`)
	var stdout, stderr bytes.Buffer
	for _, args := range [][]string{{"deposit"}, {"deposit", "abc"}, {"withdraw", "0"}} {
		stderr.Reset()
		if code := run(args, &stdout, &stderr); code == 0 {
			t.Fatalf("expected failure for %v", args)
		}
	}
	if len(*seen) != 0 {
		t.Fatalf("expected no requests, got %d", len(*seen))
	}
}

func TestBareCommandsSendNoBody(t *testing.T) {
	seen := stubProxy(t, http.StatusAccepted, `{"call_id":"x","pending":true}`)
	var stdout, stderr bytes.Buffer
	for _, name := range []string{"stake-all", "unstake-all", "withdraw-all", "ping"} {
		if code := run([]string{name}, &stdout, &stderr); code != 0 {
			t.Fatalf("%s: expected exit 0, got %d (stderr=%q)", name, code, stderr.String())
		}
	}
	if len(*seen) != 4 {
		t.Fatalf("expected four requests, got %d", len(*seen))
	}
	if (*seen)[3].Path != "/v1/ping" || (*seen)[3].Body != nil {
		t.Fatalf("unexpected ping request %+v", (*seen)[3])
	}
}

func TestErrorResponseSurfaced(t *testing.T) {
	stubProxy(t, http.StatusConflict, `{"error":"account busy"}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"unstake", "5"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "HTTP 409: account busy") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestAccountCommandNormalisesID(t *testing.T) {
	seen := stubProxy(t, http.StatusOK, `{"account":"alice"}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"account", "  Alice "}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if (*seen)[0].Path != "/v1/accounts/alice" {
		t.Fatalf("unexpected path %q", (*seen)[0].Path)
	}
}

func TestAdminCommandsUseAdminToken(t *testing.T) {
	seen := stubProxy(t, http.StatusOK, `{"was_held":true}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"admin", "release", "bob"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	req := (*seen)[0]
	if req.Path != "/admin/release" || req.Auth != "Bearer admin-secret" || req.Body["account"] != "bob" {
		t.Fatalf("unexpected release request %+v", req)
	}
	if code := run([]string{"admin", "explode"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected unknown admin command to fail, got %d", code)
	}
}

func TestGlobalFlagsOverrideEnvironment(t *testing.T) {
	seen := stubProxy(t, http.StatusOK, `{}`)
	target := proxyURL
	proxyURL = "http://127.0.0.1:1"
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--url", target, "--token=flag-jwt", "totals"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if (*seen)[0].Auth != "Bearer flag-jwt" {
		t.Fatalf("expected flag token, got %q", (*seen)[0].Auth)
	}
	if code := run([]string{"totals", "--url"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected missing flag value to fail, got %d", code)
	}
}

func TestTokenCommandSignsJWT(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"token", "carol", "--secret", "s3cret", "--ttl", "5m"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if parts := strings.Split(strings.TrimSpace(stdout.String()), "."); len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %q", stdout.String())
	}
	t.Setenv("PROXYD_JWT_SECRET", "")
	stdout.Reset()
	if code := run([]string{"token", "carol"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected missing secret to fail, got %d", code)
	}
}

func TestAdminResolveSendsPoolResult(t *testing.T) {
	seen := stubProxy(t, http.StatusOK, `{"call_id":"call-7","applied":true}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"admin", "resolve", "call-7", `"100"`}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	req := (*seen)[0]
	if req.Path != "/admin/resolve" || req.Auth != "Bearer admin-secret" {
		t.Fatalf("unexpected resolve request %+v", req)
	}
	if req.Body["call_id"] != "call-7" || req.Body["result"] != "100" {
		t.Fatalf("unexpected resolve body %+v", req.Body)
	}
	if code := run([]string{"admin", "resolve", "call-7"}, &stdout, &stderr); code != 0 {
		t.Fatalf("resolving as not applied: expected exit 0, got %d", code)
	}
	if _, ok := (*seen)[1].Body["result"]; ok {
		t.Fatalf("not-applied resolution must omit the result, got %+v", (*seen)[1].Body)
	}
	if code := run([]string{"admin", "resolve", "call-7", "not json"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected invalid result to fail, got %d", code)
	}
	if len(*seen) != 2 {
		t.Fatalf("invalid result must not reach the proxy, got %d requests", len(*seen))
	}
}
