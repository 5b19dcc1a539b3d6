//go:build linux

package tool_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shell tool.Tool = "shell"

func newShellInvoker() *tool.Invoker {
	return tool.NewWithPaths(map[tool.Tool]string{shell: "/bin/sh"})
}

func runShell(t *testing.T, ctx context.Context, script string, timeout time.Duration) (*tool.Output, *tool.Error) {
	out, err := newShellInvoker().Run(ctx, shell, []string{"-c", script}, timeout)
	if err == nil {
		return out, nil
	}

	toolErr, ok := tool.AsError(err)
	require.True(t, ok, "expected *tool.Error, got %T", err)
	return out, toolErr
}

func Test_Run_CapturesOutput(t *testing.T) {
	t.Parallel()
	out, err := runShell(t, context.Background(), "echo hello; echo warn >&2", time.Second*5)
	require.Nil(t, err)
	assert.Equal(t, "hello\n", string(out.Stdout))
	assert.Equal(t, "warn\n", out.Stderr)
}

func Test_Run_NonZeroExit(t *testing.T) {
	t.Parallel()
	out, err := runShell(t, context.Background(), "echo partial; echo boom >&2; exit 3", time.Second*5)
	require.NotNil(t, err)
	assert.Equal(t, tool.NonZeroExit, err.Kind)
	assert.Equal(t, 3, err.Code)
	assert.Contains(t, err.Stderr, "boom")
	require.NotNil(t, out)
	assert.Equal(t, "partial\n", string(out.Stdout))
}

func Test_Run_TimeoutKillsChild(t *testing.T) {
	t.Parallel()
	started := time.Now()
	_, err := runShell(t, context.Background(), "sleep 30", time.Millisecond*200)
	require.NotNil(t, err)
	assert.Equal(t, tool.Timeout, err.Kind)
	assert.Less(t, time.Since(started), time.Second*10)
}

func Test_Run_CancellationKillsChild(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(time.Millisecond*200, cancel)

	started := time.Now()
	_, err := runShell(t, ctx, "sleep 30", time.Minute)
	require.NotNil(t, err)
	assert.Equal(t, tool.Cancelled, err.Kind)
	assert.Less(t, time.Since(started), time.Second*10)
}

// Test_Run_TimeoutReapsProcessGroup ensures that grandchildren spawned by the
// tool do not outlive the invocation.
func Test_Run_TimeoutReapsProcessGroup(t *testing.T) {
	t.Parallel()
	out, err := runShell(t, context.Background(), "sleep 30 & echo $!; wait", time.Millisecond*500)
	require.NotNil(t, err)
	require.Equal(t, tool.Timeout, err.Kind)

	pid, convErr := strconv.Atoi(strings.TrimSpace(string(out.Stdout)))
	require.NoError(t, convErr)

	assert.Eventually(t, func() bool { return !processAlive(pid) }, time.Second*5, time.Millisecond*50)
}

func Test_Run_SpawnFailure(t *testing.T) {
	t.Parallel()
	inv := tool.NewWithPaths(map[tool.Tool]string{shell: "/definitely/not/a/binary"})
	_, err := inv.Run(context.Background(), shell, nil, time.Second)

	toolErr, ok := tool.AsError(err)
	require.True(t, ok)
	assert.Equal(t, tool.SpawnFailure, toolErr.Kind)
}

func Test_Run_UnavailableTool(t *testing.T) {
	t.Parallel()
	inv := newShellInvoker()
	assert.False(t, inv.Available(tool.SceneAnalyzer))
	assert.True(t, inv.Available(shell))

	_, err := inv.Run(context.Background(), tool.SceneAnalyzer, nil, time.Second)
	assert.True(t, errors.Is(err, tool.ErrUnavailable))
}

func Test_Run_StderrIsTruncatedToTail(t *testing.T) {
	t.Parallel()
	inv := tool.NewWithPaths(map[tool.Tool]string{shell: "/bin/sh"})
	script := "i=0; while [ $i -lt 3000 ]; do echo line$i >&2; i=$((i+1)); done; exit 1"
	_, err := inv.Run(context.Background(), shell, []string{"-c", script}, time.Second*10)

	toolErr, ok := tool.AsError(err)
	require.True(t, ok)
	assert.LessOrEqual(t, len(toolErr.Stderr), 8192+3)
	assert.True(t, strings.HasPrefix(toolErr.Stderr, "..."))
	assert.Contains(t, toolErr.Stderr, "line2999")
}

// processAlive reports whether the pid exists and is not a zombie awaiting
// collection by an init process we do not control.
func processAlive(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}

	fields := strings.Fields(string(stat[strings.LastIndex(string(stat), ")")+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}
