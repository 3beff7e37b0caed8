package machines

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ancode/internal/tester"

	"github.com/stretchr/testify/require"
)

// fakePlatform emulates the machines REST API and the GraphQL endpoint on a
// single test server.
type fakePlatform struct {
	mu        sync.Mutex
	states    []string // consumed per machine-state query; last value repeats
	starts    int
	execs     []string // sh scripts, in call order
	exitCodes []int    // consumed per exec; defaults to 0
	apps      []string

	srv *httptest.Server
}

func newFakePlatform(states ...string) *fakePlatform {
	f := &fakePlatform{states: states}
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", f.handleGraphQL)
	mux.HandleFunc("/v1/", f.handleREST)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakePlatform) client() *Client {
	return NewClient(Config{
		Token:        "test-token",
		APIBase:      f.srv.URL + "/v1",
		GraphQLURL:   f.srv.URL + "/graphql",
		PollInterval: time.Millisecond,
		StartSettle:  time.Millisecond,
		BatchDelay:   time.Millisecond,
	})
}

func (f *fakePlatform) nextState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return "started"
	}
	s := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return s
}

func (f *fakePlatform) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(body, &req)

	switch {
	case strings.Contains(req.Query, "allocateIpAddress"):
		_, _ = io.WriteString(w, `{"data":{"allocateIpAddress":{"ipAddress":{"id":"ip-1","address":"1.2.3.4","type":"shared_v4"}}}}`)
	case strings.Contains(req.Query, "machines"):
		state := f.nextState()
		resp := map[string]any{"data": map[string]any{"app": map[string]any{
			"machines": map[string]any{"nodes": []map[string]string{
				{"id": "m-1", "state": state, "region": "ord"},
			}},
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		http.Error(w, "unknown query", http.StatusBadRequest)
	}
}

func (f *fakePlatform) handleREST(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/apps":
		var req struct {
			AppName string `json:"app_name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.apps = append(f.apps, req.AppName)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(App{ID: "app-1", Name: req.AppName})
	case strings.HasSuffix(r.URL.Path, "/start"):
		f.mu.Lock()
		f.starts++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	case strings.HasSuffix(r.URL.Path, "/exec"):
		var req struct {
			Command []string `json:"command"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		script := ""
		if len(req.Command) == 3 {
			script = req.Command[2]
		}
		f.execs = append(f.execs, script)
		code := 0
		if len(f.exitCodes) > 0 {
			code = f.exitCodes[0]
			f.exitCodes = f.exitCodes[1:]
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ExecResult{ExitCode: code})
	case strings.HasSuffix(r.URL.Path, "/machines"):
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Machine{ID: "m-1", Name: req.Name, State: "created"})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (f *fakePlatform) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

func TestSanitizePath(t *testing.T) {
	got, err := SanitizePath("src/components/App.tsx")
	tester.NoErr(t, err)
	tester.Eq(t, got, "src/components/App.tsx")

	got, err = SanitizePath("./src/index.js")
	tester.NoErr(t, err)
	tester.Eq(t, got, "src/index.js")

	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b", "file name.txt", "a;rm -rf.sh"} {
		_, err := SanitizePath(bad)
		require.Error(t, err, "path %q must be rejected", bad)
	}
}

func TestBatchFilesByByteSize(t *testing.T) {
	small := strings.Repeat("x", 1024)
	files := make([]SyncFile, 0, 26)
	for i := 0; i < 12; i++ {
		files = append(files, SyncFile{Path: "a.txt", Content: small})
	}
	files = append(files, SyncFile{Path: "big.bin", Content: strings.Repeat("y", 20*1024)})
	for i := 0; i < 13; i++ {
		files = append(files, SyncFile{Path: "b.txt", Content: small})
	}

	batches := batchFiles(files, defaultBatchBytes)
	total := 0
	for _, b := range batches {
		size := 0
		for _, f := range b {
			size += len(f.Content)
		}
		total += len(b)
		if len(b) > 1 {
			require.LessOrEqual(t, size, defaultBatchBytes)
		}
	}
	tester.Eq(t, total, len(files))

	// The oversized file must sit alone in its batch.
	for _, b := range batches {
		for _, f := range b {
			if f.Path == "big.bin" {
				tester.Eq(t, len(b), 1)
			}
		}
	}
}

func TestGzipBase64RoundTrip(t *testing.T) {
	const content = "const x = 1;\nconsole.log(x);\n"
	encoded, err := gzipBase64(content)
	tester.NoErr(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	tester.NoErr(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	tester.NoErr(t, err)
	out, err := io.ReadAll(zr)
	tester.NoErr(t, err)
	tester.Eq(t, string(out), content)
}

func TestBuildSyncScriptShape(t *testing.T) {
	script, err := buildSyncScript([]SyncFile{
		{Path: "src/index.js", Content: "hi"},
		{Path: "README.md", Content: "docs"},
	})
	tester.NoErr(t, err)

	require.True(t, strings.HasPrefix(script, "set -e\n"))
	require.Contains(t, script, "mkdir -p 'src'")
	require.Contains(t, script, "| base64 -d | gunzip > 'src/index.js.syncing'")
	require.Contains(t, script, "mv 'src/index.js.syncing' 'src/index.js'")
	// Top-level files need no mkdir.
	require.NotContains(t, script, "mkdir -p '.'")
}

func TestEnsureReadyWaitsThroughCreated(t *testing.T) {
	f := newFakePlatform("created", "created", "started")
	defer f.srv.Close()

	m, err := f.client().EnsureReady(context.Background(), "demo-app")
	tester.NoErr(t, err)
	tester.Eq(t, m.State, "started")
	tester.Eq(t, f.starts, 0)
}

func TestEnsureReadyStartsStoppedMachine(t *testing.T) {
	f := newFakePlatform("stopped", "started")
	defer f.srv.Close()

	m, err := f.client().EnsureReady(context.Background(), "demo-app")
	tester.NoErr(t, err)
	tester.Eq(t, m.ID, "m-1")
	tester.Eq(t, f.starts, 1)
}

func TestEnsureReadyGivesUpOnStuckMachine(t *testing.T) {
	f := newFakePlatform("created")
	defer f.srv.Close()

	_, err := f.client().EnsureReady(context.Background(), "demo-app")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not ready")
}

func TestEnsureReadyRejectsUnknownState(t *testing.T) {
	f := newFakePlatform("destroying")
	defer f.srv.Close()

	_, err := f.client().EnsureReady(context.Background(), "demo-app")
	require.Error(t, err)
	require.Contains(t, err.Error(), "destroying")
}

func TestSyncFilesRunsBatchesAndReinstall(t *testing.T) {
	f := newFakePlatform("started")
	defer f.srv.Close()

	files := []SyncFile{
		{Path: "package.json", Content: `{"name":"demo"}`},
		{Path: "src/index.js", Content: "console.log(1)"},
	}
	res, err := f.client().SyncFiles(context.Background(), "demo-app", files, "")
	tester.NoErr(t, err)
	tester.True(t, res.Success, "sync succeeded")
	tester.Eq(t, len(res.Batches), 1)
	tester.Eq(t, res.Batches[0].Files, []string{"package.json", "src/index.js"})

	scripts := f.scripts()
	tester.Eq(t, len(scripts), 2) // one batch + npm install
	require.Contains(t, scripts[1], "cd /app && npm install")
}

func TestSyncFilesRunsInstallCommandWithoutManifest(t *testing.T) {
	f := newFakePlatform("started")
	defer f.srv.Close()

	files := []SyncFile{
		{Path: "requirements.txt", Content: "flask\n"},
		{Path: "app.py", Content: "print(1)\n"},
	}
	res, err := f.client().SyncFiles(context.Background(), "demo-app", files, "pip install -r requirements.txt")
	tester.NoErr(t, err)
	tester.True(t, res.Success, "sync succeeded")

	scripts := f.scripts()
	tester.Eq(t, len(scripts), 2) // one batch + install command
	tester.Eq(t, scripts[1], "pip install -r requirements.txt")
}

func TestSyncFilesManifestWinsOverInstallCommand(t *testing.T) {
	f := newFakePlatform("started")
	defer f.srv.Close()

	files := []SyncFile{
		{Path: "package.json", Content: `{"name":"demo"}`},
	}
	res, err := f.client().SyncFiles(context.Background(), "demo-app", files, "make deps")
	tester.NoErr(t, err)
	tester.True(t, res.Success, "sync succeeded")

	scripts := f.scripts()
	tester.Eq(t, len(scripts), 2)
	require.Contains(t, scripts[1], "cd /app && npm install")
	require.NotContains(t, scripts[1], "make deps")
}

func TestSyncFilesAggregatesBatchFailures(t *testing.T) {
	f := newFakePlatform("started")
	f.exitCodes = []int{0, 1}
	defer f.srv.Close()

	big := strings.Repeat("x", defaultBatchBytes)
	files := []SyncFile{
		{Path: "a.txt", Content: big},
		{Path: "b.txt", Content: big},
	}
	res, err := f.client().SyncFiles(context.Background(), "demo-app", files, "")
	tester.NoErr(t, err)
	tester.False(t, res.Success, "one failing batch fails the sync")
	tester.Eq(t, len(res.Batches), 2)
	tester.Eq(t, res.Batches[1].ExitCode, 1)
}

func TestSyncFilesRejectsBadPath(t *testing.T) {
	f := newFakePlatform("started")
	defer f.srv.Close()

	_, err := f.client().SyncFiles(context.Background(), "demo-app", []SyncFile{
		{Path: "../../etc/passwd", Content: "x"},
	}, "")
	require.Error(t, err)
	tester.Eq(t, len(f.scripts()), 0)
}

func TestDeployProvisionsAppIPsAndMachine(t *testing.T) {
	f := newFakePlatform("created")
	defer f.srv.Close()

	res, err := f.client().Deploy(context.Background(), "demo-app")
	tester.NoErr(t, err)
	tester.Eq(t, res.App.Name, "demo-app")
	tester.Eq(t, len(res.IPs), 2)
	tester.Eq(t, res.Machine.Name, "demo-app-machine")
	tester.Eq(t, f.apps, []string{"demo-app"})
}
