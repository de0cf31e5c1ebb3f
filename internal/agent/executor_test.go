package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregwargamer/ffmppegui/internal/ffmpeg"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
	"github.com/gregwargamer/ffmppegui/pkg/httpclient"
)

type sent struct {
	typ     types.MessageType
	payload any
}

type recordingMessenger struct {
	mu   sync.Mutex
	msgs []sent
}

func (m *recordingMessenger) Send(t types.MessageType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, sent{typ: t, payload: payload})
	return nil
}

func (m *recordingMessenger) ofType(t types.MessageType) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []any
	for _, s := range m.msgs {
		if s.typ == t {
			out = append(out, s.payload)
		}
	}
	return out
}

func (m *recordingMessenger) completes() []types.CompletePayload {
	var out []types.CompletePayload
	for _, p := range m.ofType(types.MessageComplete) {
		out = append(out, p.(types.CompletePayload))
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeOutput(content string) EncodeFunc {
	return func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
		onProgress(ffmpeg.ProgressBlock{"out_time_ms": "1000", "progress": "continue"})
		onProgress(ffmpeg.ProgressBlock{"out_time_ms": "2000", "progress": "end"})
		return os.WriteFile(output, []byte(content), 0o644)
	}
}

func blockUntilDone(started chan<- struct{}) EncodeFunc {
	return func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
		if err := os.WriteFile(output, []byte("partial"), 0o644); err != nil {
			return err
		}
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return &ffmpeg.RunError{Err: ctx.Err()}
	}
}

func newTestExecutor(t *testing.T, opts ExecutorOptions) (*Executor, *recordingMessenger) {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	if opts.AgentID == "" {
		opts.AgentID = "agent-1"
	}
	e, err := NewExecutor(opts, nil, quietLogger())
	require.NoError(t, err)
	m := &recordingMessenger{}
	e.SetMessenger(m)
	t.Cleanup(func() {
		e.CancelAll("test cleanup")
		e.Wait()
	})
	return e, m
}

func lease(id string) types.LeasePayload {
	return types.LeasePayload{
		JobID:      types.JobID(id),
		InputURL:   "http://coord/stream/input/" + id + "?token=in",
		OutputURL:  "http://coord/stream/output/" + id + "?token=out",
		FFmpegArgs: []string{"-c:a", "flac"},
		OutputExt:  ".flac",
	}
}

func tempEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestExecutor_Success(t *testing.T) {
	var uploadedURL string
	var uploaded []byte
	var gotArgs []string

	encode := writeOutput("encoded")
	e, m := newTestExecutor(t, ExecutorOptions{
		Concurrency: 2,
		JobTimeout:  time.Minute,
		Encode: func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
			gotArgs = args
			assert.Equal(t, ".flac", filepath.Ext(output))
			return encode(ctx, input, args, output, onProgress)
		},
		Upload: func(ctx context.Context, url, path string) (int64, error) {
			uploadedURL = url
			data, err := os.ReadFile(path)
			uploaded = data
			return int64(len(data)), err
		},
	})

	l := lease("job1")
	l.Threads = 2
	e.HandleLease(t.Context(), l)
	e.Wait()

	require.Len(t, m.ofType(types.MessageLeaseAccepted), 1)
	assert.Len(t, m.ofType(types.MessageProgress), 2)

	completes := m.completes()
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success)
	assert.Empty(t, completes[0].Error)
	assert.Equal(t, types.AgentID("agent-1"), completes[0].AgentID)

	assert.Equal(t, l.OutputURL, uploadedURL)
	assert.Equal(t, "encoded", string(uploaded))
	assert.Equal(t, []string{"-c:a", "flac", "-threads", "2"}, gotArgs)
	assert.Empty(t, tempEntries(t, e.TempDir()))
	assert.Zero(t, e.ActiveJobs())
}

func TestExecutor_EncoderFailure(t *testing.T) {
	uploads := 0
	e, m := newTestExecutor(t, ExecutorOptions{
		JobTimeout: time.Minute,
		Encode: func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
			_ = os.WriteFile(output, []byte("junk"), 0o644)
			return &ffmpeg.RunError{Err: errors.New("exit status 1"), Stderr: []string{"Invalid data found when processing input"}}
		},
		Upload: func(ctx context.Context, url, path string) (int64, error) {
			uploads++
			return 0, nil
		},
	})

	e.HandleLease(t.Context(), lease("job1"))
	e.Wait()

	completes := m.completes()
	require.Len(t, completes, 1)
	assert.False(t, completes[0].Success)
	assert.Contains(t, completes[0].Error, "Invalid data found")
	assert.Zero(t, uploads)
	assert.Empty(t, tempEntries(t, e.TempDir()))
}

func TestExecutor_RefusesAtCapacity(t *testing.T) {
	started := make(chan struct{}, 1)
	e, m := newTestExecutor(t, ExecutorOptions{
		Concurrency: 1,
		JobTimeout:  time.Minute,
		Encode:      blockUntilDone(started),
	})

	e.HandleLease(t.Context(), lease("job1"))
	<-started
	e.HandleLease(t.Context(), lease("job2"))

	accepted := m.ofType(types.MessageLeaseAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, types.JobID("job1"), accepted[0].(types.LeaseAcceptedPayload).JobID)

	rejected := m.ofType(types.MessageLeaseRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.JobID("job2"), rejected[0].(types.LeaseRejectedPayload).JobID)
	assert.Equal(t, "agent at capacity", rejected[0].(types.LeaseRejectedPayload).Reason)
	assert.Empty(t, m.completes(), "a refused lease is handed back, not failed")
	assert.Equal(t, 1, e.ActiveJobs())
}

func TestExecutor_DuplicateLeaseIgnored(t *testing.T) {
	started := make(chan struct{}, 2)
	e, m := newTestExecutor(t, ExecutorOptions{
		Concurrency: 2,
		JobTimeout:  time.Minute,
		Encode:      blockUntilDone(started),
	})

	e.HandleLease(t.Context(), lease("job1"))
	<-started
	e.HandleLease(t.Context(), lease("job1"))

	assert.Len(t, m.ofType(types.MessageLeaseAccepted), 1)
	assert.Empty(t, m.completes())
	assert.Equal(t, 1, e.ActiveJobs())
}

func TestExecutor_Cancel(t *testing.T) {
	started := make(chan struct{}, 2)
	e, m := newTestExecutor(t, ExecutorOptions{
		Concurrency: 2,
		JobTimeout:  time.Minute,
		Encode:      blockUntilDone(started),
	})

	e.HandleLease(t.Context(), lease("job1"))
	e.HandleLease(t.Context(), lease("job2"))
	<-started
	<-started

	path := filepath.Join(e.TempDir(), "job1.flac")
	assert.True(t, e.InFlight(path))

	assert.True(t, e.Cancel("job1", "agent evicted"))
	assert.False(t, e.Cancel("unknown", ""))

	require.Eventually(t, func() bool { return len(m.completes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	c := m.completes()[0]
	assert.Equal(t, types.JobID("job1"), c.JobID)
	assert.False(t, c.Success)
	assert.Contains(t, c.Error, "agent evicted")

	// The other lease keeps running and keeps its temp file.
	assert.Equal(t, 1, e.ActiveJobs())
	_, err := os.Stat(filepath.Join(e.TempDir(), "job2.flac"))
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, e.InFlight(path))
}

func TestExecutor_Timeout(t *testing.T) {
	e, m := newTestExecutor(t, ExecutorOptions{
		JobTimeout: 50 * time.Millisecond,
		Encode:     blockUntilDone(nil),
	})

	e.HandleLease(t.Context(), lease("job1"))
	e.Wait()

	completes := m.completes()
	require.Len(t, completes, 1)
	assert.False(t, completes[0].Success)
	assert.Contains(t, completes[0].Error, "timed out")
	assert.Empty(t, tempEntries(t, e.TempDir()))
}

func TestExecutor_NoOutput(t *testing.T) {
	e, m := newTestExecutor(t, ExecutorOptions{
		JobTimeout: time.Minute,
		Encode: func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
			return nil
		},
		Upload: func(ctx context.Context, url, path string) (int64, error) { return 0, nil },
	})

	e.HandleLease(t.Context(), lease("job1"))
	e.Wait()

	completes := m.completes()
	require.Len(t, completes, 1)
	assert.False(t, completes[0].Success)
	assert.Contains(t, completes[0].Error, "no output")
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		id, ext, want string
	}{
		{"01HX", ".flac", "01HX.flac"},
		{"01HX", "mp4", "01HX.mp4"},
		{"../../etc/passwd", ".mp3", "passwd.mp3"},
		{"", ".png", "output.png"},
	}
	for _, tt := range tests {
		got := outputName(types.LeasePayload{JobID: types.JobID(tt.id), OutputExt: tt.ext})
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestUploader_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "out.flac")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	u := NewUploader(3, 10*time.Millisecond, time.Minute, quietLogger())
	n, err := u.Upload(t.Context(), srv.URL+"/stream/output/x?token=t", path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"payload", "payload", "payload"}, bodies)
}

func TestUploader_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "out.flac")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	u := NewUploader(3, time.Millisecond, time.Minute, quietLogger())
	_, err := u.Upload(t.Context(), srv.URL, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, httpclient.ErrMaxRetries)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSweeper(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-3 * time.Hour)

	stale := filepath.Join(dir, "stale.mp4")
	busy := filepath.Join(dir, "busy.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	for _, p := range []string{stale, busy, fresh} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(busy, old, old))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	s := NewSweeper(dir, 2*time.Hour, func(p string) bool { return p == busy }, quietLogger())
	assert.Equal(t, 1, s.Sweep(t.Context()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, busy)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "subdir"))

	missing := NewSweeper(filepath.Join(dir, "nope"), time.Hour, nil, quietLogger())
	assert.Zero(t, missing.Sweep(t.Context()))
}
