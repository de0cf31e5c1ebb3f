package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

type nopTransport struct{}

func (nopTransport) Send(types.Envelope) error { return nil }
func (nopTransport) Close(int, string) error   { return nil }

type fixture struct {
	svc    *coordinator.Service
	server *httptest.Server
	jobs   []types.Job
	outDir string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture queues two 1000-byte audio jobs and leases both to one agent.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	inDir, outDir := t.TempDir(), t.TempDir()

	svc := coordinator.New(coordinator.Options{SharedToken: "tok", PublicBaseURL: "http://x", Logger: quietLogger()})

	var items []types.PlanItem
	for _, name := range []string{"a", "b"} {
		src := filepath.Join(inDir, name+".wav")
		data := bytes.Repeat([]byte(name), 1000)
		require.NoError(t, os.WriteFile(src, data, 0o644))
		items = append(items, types.PlanItem{
			SourcePath: src,
			OutputPath: filepath.Join(outDir, "nested", name+".flac"),
			MediaType:  types.MediaTypeAudio,
			Codec:      "flac",
			SizeBytes:  1000,
		})
	}
	_, err := svc.Submit(items)
	require.NoError(t, err)

	env, err := types.NewEnvelope(types.MessageRegister, types.RegisterPayload{ID: "a1", Concurrency: 2, Token: "tok"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	svc.HandleMessage(t.Context(), svc.Connect(nopTransport{}, "test"), raw)

	r := chi.NewRouter()
	NewProxy(svc, quietLogger()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{svc: svc, server: srv, jobs: svc.Jobs(), outDir: outDir}
}

func (f *fixture) inputURL(id types.JobID, token string) string {
	return fmt.Sprintf("%s/stream/input/%s?token=%s", f.server.URL, id, token)
}

func (f *fixture) outputURL(id types.JobID, token string) string {
	return fmt.Sprintf("%s/stream/output/%s?token=%s", f.server.URL, id, token)
}

func TestServeInput_Range(t *testing.T) {
	f := newFixture(t)
	job := f.jobs[0]

	req, err := http.NewRequest(http.MethodGet, f.inputURL(job.ID, job.InputToken), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-99")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Len(t, body, 100)
}

func TestServeInput_Full(t *testing.T) {
	f := newFixture(t)
	job := f.jobs[0]

	resp, err := http.Get(f.inputURL(job.ID, job.InputToken))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body, 1000)
	want := mime.TypeByExtension(".wav")
	if want == "" {
		want = "application/octet-stream"
	}
	assert.Equal(t, want, resp.Header.Get("Content-Type"))
}

func TestServeInput_MissingSource(t *testing.T) {
	f := newFixture(t)
	job := f.jobs[0]
	require.NoError(t, os.Remove(job.SourcePath))

	resp, err := http.Get(f.inputURL(job.ID, job.InputToken))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenScoping(t *testing.T) {
	f := newFixture(t)
	a, b := f.jobs[0], f.jobs[1]

	tests := []struct {
		name   string
		method string
		url    string
	}{
		{"A input token on B input", http.MethodGet, f.inputURL(b.ID, a.InputToken)},
		{"A input token on A output", http.MethodPut, f.outputURL(a.ID, a.InputToken)},
		{"A output token on A input", http.MethodGet, f.inputURL(a.ID, a.OutputToken)},
		{"missing token", http.MethodGet, f.inputURL(a.ID, "")},
		{"unknown job", http.MethodGet, f.inputURL("nope", a.InputToken)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, strings.NewReader("x"))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "forbidden", body["error"])
		})
	}

	_, err := os.Stat(a.OutputPath)
	assert.True(t, os.IsNotExist(err))
}

func TestReceiveOutput_Success(t *testing.T) {
	f := newFixture(t)
	job := f.jobs[0]
	payload := bytes.Repeat([]byte("z"), 4096)

	req, err := http.NewRequest(http.MethodPut, f.outputURL(job.ID, job.OutputToken), bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		OK    bool  `json:"ok"`
		Bytes int64 `json:"bytes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, int64(4096), body.Bytes)

	got, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	updated, err := f.svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, updated.Status)

	assertNoPartFiles(t, filepath.Dir(job.OutputPath))
}

func TestReceiveOutput_InterruptedLeavesNoDestination(t *testing.T) {
	f := newFixture(t)
	job := f.jobs[0]

	u := strings.TrimPrefix(f.server.URL, "http://")
	conn, err := net.Dial("tcp", u)
	require.NoError(t, err)

	path := fmt.Sprintf("/stream/output/%s?token=%s", job.ID, job.OutputToken)
	_, err = fmt.Fprintf(conn, "PUT %s HTTP/1.1\r\nHost: %s\r\nContent-Length: 100000\r\n\r\n", path, u)
	require.NoError(t, err)
	_, err = conn.Write(bytes.Repeat([]byte("p"), 1000))
	require.NoError(t, err)

	// Give the server time to start streaming into the part file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Dir(job.OutputPath))
		if err != nil {
			return os.IsNotExist(err)
		}
		return len(entries) == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err = os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(err))

	updated, _ := f.svc.Job(job.ID)
	assert.Equal(t, types.JobStatusAssigned, updated.Status)
}

func TestReceiveOutput_Conflict(t *testing.T) {
	inDir, outDir := t.TempDir(), t.TempDir()
	src := filepath.Join(inDir, "a.wav")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	svc := coordinator.New(coordinator.Options{SharedToken: "tok", Logger: quietLogger()})
	_, err := svc.Submit([]types.PlanItem{{
		SourcePath: src, OutputPath: filepath.Join(outDir, "a.flac"),
		MediaType: types.MediaTypeAudio, Codec: "flac", SizeBytes: 1,
	}})
	require.NoError(t, err)
	job := svc.Jobs()[0]

	r := chi.NewRouter()
	NewProxy(svc, quietLogger()).Register(r)

	req := httptest.NewRequest(http.MethodPut, "/stream/output/"+string(job.ID)+"?token="+job.OutputToken, strings.NewReader("data"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	_, err = os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(err))
}

type failingReader struct {
	data []byte
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "deep", "out.flac")

	t.Run("body error keeps destination untouched", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

		_, err := WriteAtomic(dest, &failingReader{data: []byte("partial")})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBodyRead)

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "previous", string(got))
		assertNoPartFiles(t, filepath.Dir(dest))
	})

	t.Run("success replaces destination", func(t *testing.T) {
		n, err := WriteAtomic(dest, strings.NewReader("fresh"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(got))
		assertNoPartFiles(t, filepath.Dir(dest))
	})
}

func assertNoPartFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.part"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
