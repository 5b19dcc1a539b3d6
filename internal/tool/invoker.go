package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var (
	log = logger.Get("Tools")

	ErrUnavailable = errors.New("tool is not available")
)

type Tool string

const (
	Extractor     Tool = "extractor"
	Converter     Tool = "converter"
	Prober        Tool = "prober"
	SceneAnalyzer Tool = "scene-analyzer"
)

const (
	defaultTimeout   = 10 * time.Minute
	pipeDrainTimeout = 5 * time.Second
)

type (
	// Config defines where each external tool can be found, and the default
	// timeout applied to invocations of each tool.
	Config struct {
		ExtractorPath     string `yaml:"extractor_path" env:"TOOL_EXTRACTOR_PATH" env-default:"yt-dlp"`
		ConverterPath     string `yaml:"converter_path" env:"TOOL_CONVERTER_PATH" env-default:"/usr/bin/ffmpeg"`
		ProberPath        string `yaml:"prober_path" env:"TOOL_PROBER_PATH" env-default:"/usr/bin/ffprobe"`
		SceneAnalyzerPath string `yaml:"scene_analyzer_path" env:"TOOL_SCENE_ANALYZER_PATH" env-default:"scenedetect"`

		ExtractorTimeoutSeconds     int `yaml:"extractor_timeout_seconds" env:"TOOL_EXTRACTOR_TIMEOUT_SECONDS" env-default:"900"`
		ConverterTimeoutSeconds     int `yaml:"converter_timeout_seconds" env:"TOOL_CONVERTER_TIMEOUT_SECONDS" env-default:"1800"`
		ProberTimeoutSeconds        int `yaml:"prober_timeout_seconds" env:"TOOL_PROBER_TIMEOUT_SECONDS" env-default:"60"`
		SceneAnalyzerTimeoutSeconds int `yaml:"scene_analyzer_timeout_seconds" env:"TOOL_SCENE_ANALYZER_TIMEOUT_SECONDS" env-default:"900"`

		// StderrLimitBytes bounds how much diagnostic output is retained from
		// each invocation. Only the tail is kept.
		StderrLimitBytes int `yaml:"stderr_limit_bytes" env:"TOOL_STDERR_LIMIT_BYTES" env-default:"8192"`
	}

	Output struct {
		Stdout   []byte
		Stderr   string
		Duration time.Duration
	}

	// Invoker runs external tools as child processes. Every invocation is
	// bounded by a timeout, and the child (along with any processes it
	// spawned) is killed and reaped before Run returns.
	Invoker struct {
		paths       map[Tool]string
		timeouts    map[Tool]time.Duration
		stderrLimit int
	}
)

// New resolves the paths of all configured tools. The converter and prober are
// required, the extractor and scene analyzer are optional and are simply
// reported as unavailable if they cannot be found.
func New(config Config) (*Invoker, error) {
	inv := &Invoker{
		paths: make(map[Tool]string),
		timeouts: map[Tool]time.Duration{
			Extractor:     seconds(config.ExtractorTimeoutSeconds),
			Converter:     seconds(config.ConverterTimeoutSeconds),
			Prober:        seconds(config.ProberTimeoutSeconds),
			SceneAnalyzer: seconds(config.SceneAnalyzerTimeoutSeconds),
		},
		stderrLimit: config.StderrLimitBytes,
	}

	tools := []struct {
		tool     Tool
		path     string
		required bool
	}{
		{Converter, config.ConverterPath, true},
		{Prober, config.ProberPath, true},
		{Extractor, config.ExtractorPath, false},
		{SceneAnalyzer, config.SceneAnalyzerPath, false},
	}

	for _, t := range tools {
		resolved, err := resolvePath(t.path)
		if err != nil {
			if t.required {
				return nil, fmt.Errorf("required tool %s could not be found at '%s': %w", t.tool, t.path, err)
			}

			log.Warnf("Optional tool %s could not be found at '%s' (%v) - related features are disabled\n", t.tool, t.path, err)
			continue
		}

		log.Emit(logger.DEBUG, "Resolved tool %s to %s\n", t.tool, resolved)
		inv.paths[t.tool] = resolved
	}

	return inv, nil
}

// NewWithPaths constructs an invoker using already resolved paths and no
// per-tool default timeouts.
func NewWithPaths(paths map[Tool]string) *Invoker {
	return &Invoker{paths: paths, timeouts: make(map[Tool]time.Duration)}
}

func resolvePath(path string) (string, error) {
	if path == "" {
		return "", ErrUnavailable
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}

	return exec.LookPath(expanded)
}

func seconds(s int) time.Duration { return time.Duration(s) * time.Second }

// Available returns true if the tool provided was resolved successfully.
func (inv *Invoker) Available(t Tool) bool {
	_, ok := inv.paths[t]
	return ok
}

// Run executes the tool with the arguments given. If timeout is zero, the
// configured default for the tool is used. The returned Output is non-nil
// whenever the process was started, even if an error is also returned.
//
// Errors are always of type *Error.
func (inv *Invoker) Run(ctx context.Context, t Tool, args []string, timeout time.Duration) (*Output, error) {
	path, ok := inv.paths[t]
	if !ok {
		return nil, &Error{Tool: t, Kind: SpawnFailure, Err: ErrUnavailable}
	}

	if timeout <= 0 {
		timeout = inv.timeouts[t]
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := newTailBuffer(inv.stderrLimit)

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrainTimeout
	configureProcessGroup(cmd)

	log.Emit(logger.VERBOSE, "Running %s: %s %q\n", t, path, args)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Error{Tool: t, Kind: SpawnFailure, Err: err}
	}

	waitErr := cmd.Wait()
	// Any stragglers left in the process group (e.g. ffmpeg children of the
	// extractor) are killed even if the leader exited cleanly.
	_ = killProcessGroup(cmd)

	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.String(), Duration: time.Since(started)}
	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) {
		return out, nil
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return out, &Error{Tool: t, Kind: Cancelled, Code: -1, Stderr: out.Stderr, Err: ctx.Err()}
		}

		return out, &Error{Tool: t, Kind: Timeout, Code: -1, Stderr: out.Stderr, Err: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return out, &Error{Tool: t, Kind: NonZeroExit, Code: exitErr.ExitCode(), Stderr: out.Stderr, Err: waitErr}
	}

	return out, &Error{Tool: t, Kind: NonZeroExit, Code: -1, Stderr: out.Stderr, Err: waitErr}
}
