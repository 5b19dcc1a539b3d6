package fetch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Hoard/internal/fetch"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/safety"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Run(_ context.Context, t tool.Tool, args []string, _ time.Duration) (*tool.Output, error) {
	ret := m.Called(t, args)
	out, _ := ret.Get(0).(*tool.Output)
	return out, ret.Error(1)
}

func (m *mockInvoker) Available(t tool.Tool) bool {
	return m.Called(t).Bool(0)
}

func newFetcher(t *testing.T, inv fetch.Invoker, allowLoopback bool, hosts ...string) *fetch.Fetcher {
	cfg := safety.Config{}
	if allowLoopback {
		cfg.AllowCIDRs = []string{"127.0.0.0/8"}
	}

	validator, err := safety.NewValidator(cfg, nil)
	require.NoError(t, err)

	return fetch.New(fetch.Config{
		ExtractorHosts:       hosts,
		ExtractorFormat:      "bv*+ba/b",
		UserAgent:            "Hoard-Test",
		MaxDownloadBytes:     1024,
		SocketTimeoutSeconds: 5,
		HTTPRetries:          0,
	}, inv, validator)
}

func unavailable() *mockInvoker {
	inv := &mockInvoker{}
	inv.On("Available", tool.Extractor).Return(false)
	return inv
}

func Test_Select(t *testing.T) {
	t.Parallel()
	inv := &mockInvoker{}
	inv.On("Available", tool.Extractor).Return(true)
	f := newFetcher(t, inv, false, "youtube.com", "vimeo.com")

	tests := map[string]fetch.Strategy{
		"https://www.youtube.com/watch?v=abc": fetch.Extractor,
		"https://youtube.com/watch?v=abc":     fetch.Extractor,
		"https://vimeo.com/1234":              fetch.Extractor,
		"https://notyoutube.com/video":        fetch.Raw,
		"https://images.example/cat.png":      fetch.Raw,
	}
	for url, expected := range tests {
		assert.Equal(t, expected, f.Select(&job.Job{SourceURL: url}), url)
	}

	assert.Equal(t, fetch.Raw, newFetcher(t, unavailable(), false, "youtube.com").Select(&job.Job{SourceURL: "https://youtube.com/watch"}))
}

func Test_Raw_DownloadsWithOverride(t *testing.T) {
	t.Parallel()
	var method, referer, agent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		referer.Store(r.Header.Get("Referer"))
		agent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "stage")
	j := &job.Job{
		SourceURL: server.URL + "/media/cat.PNG",
		Override:  &job.RequestOverride{Method: "post", Headers: map[string]string{"Referer": "https://gallery.example/"}},
	}

	result, err := newFetcher(t, unavailable(), true).Fetch(context.Background(), j, dir)
	require.NoError(t, err)

	assert.Equal(t, fetch.Raw, result.Strategy)
	assert.Equal(t, filepath.Join(dir, "source.png"), result.Path)
	contents, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(contents))
	assert.Equal(t, "POST", method.Load())
	assert.Equal(t, "https://gallery.example/", referer.Load())
	assert.Equal(t, "Hoard-Test", agent.Load())
}

func Test_Raw_StatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   int
		expected retry.Kind
	}{
		{http.StatusNotFound, retry.ToolPermanent},
		{http.StatusForbidden, retry.ToolPermanent},
		{http.StatusTooManyRequests, retry.ToolTransient},
		{http.StatusServiceUnavailable, retry.ToolTransient},
	}

	for _, test := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(test.status)
		}))

		_, err := newFetcher(t, unavailable(), true).Fetch(context.Background(), &job.Job{SourceURL: server.URL + "/file"}, t.TempDir())
		server.Close()

		require.Error(t, err)
		assert.Equal(t, test.expected, retry.KindOf(err), "status %d", test.status)
		assert.Contains(t, err.Error(), fmt.Sprint(test.status))
	}
}

func Test_Raw_RefusesBlockedDestinationAtDialTime(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	_, err := newFetcher(t, unavailable(), false).Fetch(context.Background(), &job.Job{SourceURL: server.URL + "/secret"}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, retry.ValidationRejected, retry.KindOf(err))
	assert.True(t, safety.IsRejected(err))
	assert.Zero(t, hits.Load())
}

func Test_Raw_RefusesOversizedDownloads(t *testing.T) {
	t.Parallel()
	declared := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer declared.Close()

	undeclared := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			_, _ = w.Write([]byte(strings.Repeat("x", 512)))
			flusher.Flush()
		}
	}))
	defer undeclared.Close()

	for _, server := range []*httptest.Server{declared, undeclared} {
		_, err := newFetcher(t, unavailable(), true).Fetch(context.Background(), &job.Job{SourceURL: server.URL + "/big"}, t.TempDir())
		require.Error(t, err)
		assert.Equal(t, retry.ToolPermanent, retry.KindOf(err))
	}
}

func Test_Extractor_PicksLargestOutput(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "stage")

	small := filepath.Join(dir, "1.f137.mp4")
	large := filepath.Join(dir, "1.mp4")

	inv := &mockInvoker{}
	inv.On("Available", tool.Extractor).Return(true)
	inv.On("Run", tool.Extractor, mock.MatchedBy(func(args []string) bool {
		joined := strings.Join(args, " ")
		return strings.Contains(joined, "-f best") &&
			strings.Contains(joined, "--add-header Referer:https://videos.example") &&
			args[len(args)-1] == "https://videos.example/watch/1"
	})).Run(func(mock.Arguments) {
		_ = os.WriteFile(small, []byte("small"), 0o644)
		_ = os.WriteFile(large, []byte("much larger output"), 0o644)
	}).Return(&tool.Output{Stdout: []byte(small + "\n" + large + "\n/etc/passwd\n")}, nil)

	j := &job.Job{
		SourceURL:  "https://videos.example/watch/1",
		Override:   &job.RequestOverride{Headers: map[string]string{"Referer": "https://videos.example"}},
		RawOptions: map[string]any{"format": "best"},
	}
	result, err := newFetcher(t, inv, false, "videos.example").Fetch(context.Background(), j, dir)
	require.NoError(t, err)

	assert.Equal(t, fetch.Extractor, result.Strategy)
	assert.Equal(t, filepath.Join(dir, "1.mp4"), result.Path)
}

func Test_Extractor_DeclinedFallsBackToRaw(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("raw-bytes"))
	}))
	defer server.Close()

	inv := &mockInvoker{}
	inv.On("Available", tool.Extractor).Return(true)
	inv.On("Run", tool.Extractor, mock.Anything).Return(&tool.Output{}, &tool.Error{
		Tool:   tool.Extractor,
		Kind:   tool.NonZeroExit,
		Code:   1,
		Stderr: "ERROR: Unsupported URL: " + server.URL,
	})

	result, err := newFetcher(t, inv, true, "127.0.0.1").Fetch(context.Background(), &job.Job{SourceURL: server.URL + "/a.bin"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, fetch.Raw, result.Strategy)
	inv.AssertNumberOfCalls(t, "Run", 1)
}

func Test_Extractor_FailureClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err      *tool.Error
		expected retry.Kind
	}{
		{&tool.Error{Kind: tool.NonZeroExit, Code: 1, Stderr: "ERROR: Unable to download webpage: HTTP Error 503"}, retry.ToolTransient},
		{&tool.Error{Kind: tool.NonZeroExit, Code: 1, Stderr: "ERROR: Video unavailable. This video is private"}, retry.ToolPermanent},
		{&tool.Error{Kind: tool.Timeout, Code: -1}, retry.ToolTransient},
		{&tool.Error{Kind: tool.SpawnFailure, Err: os.ErrPermission}, retry.ToolTransient},
	}

	for _, test := range tests {
		test.err.Tool = tool.Extractor
		inv := &mockInvoker{}
		inv.On("Available", tool.Extractor).Return(true)
		inv.On("Run", tool.Extractor, mock.Anything).Return(&tool.Output{}, test.err)

		_, err := newFetcher(t, inv, false, "videos.example").Fetch(context.Background(), &job.Job{SourceURL: "https://videos.example/watch/1"}, t.TempDir())
		require.Error(t, err)
		assert.Equal(t, test.expected, retry.KindOf(err), test.err.Stderr)
	}
}

func Test_Extractor_NoOutputIsPermanent(t *testing.T) {
	t.Parallel()
	inv := &mockInvoker{}
	inv.On("Available", tool.Extractor).Return(true)
	inv.On("Run", tool.Extractor, mock.Anything).Return(&tool.Output{Stdout: []byte("\n")}, nil)

	_, err := newFetcher(t, inv, false, "videos.example").Fetch(context.Background(), &job.Job{SourceURL: "https://videos.example/watch/1"}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, retry.ToolPermanent, retry.KindOf(err))
}
