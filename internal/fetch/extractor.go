package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/tool"
)

// errDeclined indicates the extractor does not support the URL it was given.
var errDeclined = errors.New("extractor declined url")

var (
	declinedPatterns = []string{
		"unsupported url",
		"no suitable infoextractor",
		"no video formats found",
		"no media found",
		"is not a valid url",
	}

	transientPatterns = []string{
		"http error 429",
		"http error 500",
		"http error 502",
		"http error 503",
		"http error 504",
		"timed out",
		"connection reset",
		"connection refused",
		"temporary failure in name resolution",
		"unable to download webpage",
		"incompleteread",
		"remote end closed connection",
	}
)

func (f *Fetcher) extractorArgs(j *job.Job, opts job.Options, dir string) []string {
	format := opts.Format
	if format == "" {
		format = f.config.ExtractorFormat
	}

	args := []string{
		"--no-config",
		"--no-playlist",
		"--no-part",
		"--no-mtime",
		"--no-progress",
		"--socket-timeout", strconv.Itoa(f.config.SocketTimeoutSeconds),
	}
	if f.config.MaxDownloadBytes > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(f.config.MaxDownloadBytes, 10))
	}
	if format != "" {
		args = append(args, "-f", format)
	}

	if j.Override != nil {
		keys := make([]string, 0, len(j.Override.Headers))
		for k := range j.Override.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			args = append(args, "--add-header", fmt.Sprintf("%s:%s", k, j.Override.Headers[k]))
		}
	}
	if f.config.UserAgent != "" {
		args = append(args, "--user-agent", f.config.UserAgent)
	}

	return append(args,
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--no-simulate",
		"--print", "after_move:filepath",
		"--", j.SourceURL,
	)
}

// extract runs the extractor against the jobs source URL. If more than one
// artifact is produced, the largest is selected.
func (f *Fetcher) extract(ctx context.Context, j *job.Job, dir string) (string, error) {
	opts, err := j.Options()
	if err != nil {
		return "", retry.Rejected(err)
	}

	out, err := f.invoker.Run(ctx, tool.Extractor, f.extractorArgs(j, opts, dir), 0)
	if err != nil {
		return "", classifyToolError(err)
	}

	path, err := largestOutput(out.Stdout, dir)
	if err != nil {
		return "", retry.Permanent(err)
	}

	log.Debugf("Extractor produced %s for %s\n", path, j)
	return path, nil
}

// largestOutput parses the file paths printed by the extractor, returning the
// largest file which exists inside dir.
func largestOutput(stdout []byte, dir string) (string, error) {
	var (
		best     string
		bestSize int64 = -1
	)

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		path, err := filepath.Abs(line)
		if err != nil || !within(dir, path) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
	}

	if best == "" {
		return "", errors.New("extractor did not produce any media")
	}

	return best, nil
}

func within(dir string, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// classifyToolError maps an extractor failure to its retry classification,
// using the diagnostic output to distinguish unsupported input from network
// trouble.
func classifyToolError(err error) error {
	toolErr, ok := tool.AsError(err)
	if !ok {
		return err
	}

	switch toolErr.Kind {
	case tool.Cancelled:
		return err
	case tool.Timeout:
		return retry.Transient(err)
	case tool.SpawnFailure:
		if errors.Is(err, tool.ErrUnavailable) {
			return retry.Permanent(err)
		}
		return retry.Transient(err)
	}

	stderr := strings.ToLower(toolErr.Stderr)
	for _, p := range declinedPatterns {
		if strings.Contains(stderr, p) {
			return fmt.Errorf("%w: %s", errDeclined, lastLine(toolErr.Stderr))
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(stderr, p) {
			return retry.Transient(err)
		}
	}

	return retry.Permanent(err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}

	return s
}
