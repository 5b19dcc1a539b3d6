// Package fix normalises fetched media in to a small set of broadly playable
// formats, correcting file extensions and optionally analysing video scenes.
package fix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/hbomb79/Hoard/pkg/logger"
)

var log = logger.Get("Fix")

type (
	Config struct {
		VideoPreset  string `yaml:"video_preset" env:"FIX_VIDEO_PRESET" env-default:"veryfast"`
		AudioBitrate string `yaml:"audio_bitrate" env:"FIX_AUDIO_BITRATE" env-default:"192k"`
	}

	// Invoker is the subset of the tool invoker used when fixing.
	Invoker interface {
		Run(ctx context.Context, t tool.Tool, args []string, timeout time.Duration) (*tool.Output, error)
		Available(t tool.Tool) bool
	}

	Result struct {
		Path      string
		MimeType  string
		Extension string
		Class     Class
		Probe     *Probe
		Converted bool
		Scenes    []job.Scene
	}

	Fixer struct {
		config  Config
		invoker Invoker
	}
)

func New(config Config, invoker Invoker) *Fixer {
	return &Fixer{config: config, invoker: invoker}
}

// Fix normalises the file at path, returning the path of the final artifact
// (which differs from the input if its extension was corrected, or it was
// converted or cropped).
//
// The file at path is never modified or removed, and every artifact derived
// from it is written to a fixed name alongside it, so Fix may be re-run
// against the same path after a failure part way through.
func (f *Fixer) Fix(ctx context.Context, path string, opts job.Options) (*Result, error) {
	current, mime, err := CorrectExtension(path)
	if err != nil {
		return nil, err
	}

	probe, err := f.probe(ctx, current)
	if err != nil {
		return nil, err
	}

	class := classify(mime, probe)
	result := &Result{Path: current, MimeType: mime, Extension: filepath.Ext(current), Class: class, Probe: probe}
	log.Debugf("Fixing %s: class=%s mime=%s probe=%v\n", current, class, mime, probe)

	if !accepted(class, mime, probe) {
		converted, err := f.convert(ctx, current, class)
		if err != nil {
			return nil, err
		}

		if converted != current {
			discard(current, path)
		}

		result.Converted = true
		if err := f.describe(ctx, result, converted); err != nil {
			return nil, err
		}
	}

	if opts.CropBars && class == Video {
		cropped, err := f.cropBars(ctx, result.Path, result.Probe)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			log.Warnf("Cropping borders of %s failed: %v\n", result.Path, err)
		} else if cropped != result.Path {
			discard(result.Path, path)
			if err := f.describe(ctx, result, cropped); err != nil {
				return nil, err
			}
		}
	}

	if opts.DetectScenes && class == Video {
		if !f.invoker.Available(tool.SceneAnalyzer) {
			log.Warnf("Scene detection requested for %s but the scene analyzer is not available\n", path)
		} else if scenes, err := f.detectScenes(ctx, result.Path); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			log.Warnf("Scene detection for %s failed: %v\n", result.Path, err)
		} else {
			result.Scenes = scenes
		}
	}

	return result, nil
}

// describe points the result at a newly produced artifact, sniffing and
// probing it again.
func (f *Fixer) describe(ctx context.Context, result *Result, path string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return retry.Storage(fmt.Errorf("failed to detect content type of %s: %w", path, err))
	}

	probe, err := f.probe(ctx, path)
	if err != nil {
		return err
	}

	result.Path = path
	result.MimeType = strings.SplitN(mtype.String(), ";", 2)[0]
	result.Extension = filepath.Ext(path)
	result.Probe = probe
	return nil
}

// convert runs the converter to normalise the file, returning the path of the
// converted file. Any output left by an earlier run is overwritten.
func (f *Fixer) convert(ctx context.Context, path string, class Class) (string, error) {
	options, ext := f.conversionTarget(class)
	if options == nil {
		return path, nil
	}

	output := filepath.Join(filepath.Dir(path), "converted"+ext)
	args := append([]string{"-nostdin", "-v", "error", "-i", path}, options.GetStrArguments()...)
	if class == Image {
		args = append(args, "-frames:v", "1")
	}
	args = append(args, output)

	if _, err := f.invoker.Run(ctx, tool.Converter, args, 0); err != nil {
		return "", classifyToolError(err)
	}

	if _, err := os.Stat(output); err != nil {
		return "", retry.Permanent(fmt.Errorf("converter did not produce %s: %w", output, err))
	}

	log.Emit(logger.SUCCESS, "Converted %s to %s\n", path, output)
	return output, nil
}

// CorrectExtension sniffs the content of the file and, if its extension does
// not match the content, links (or copies) it to a path that does. The file
// at path is left in place. The corrected path and mime type are returned.
func CorrectExtension(path string) (string, string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", retry.Storage(fmt.Errorf("failed to detect content type of %s: %w", path, err))
	}

	mime := strings.SplitN(mtype.String(), ";", 2)[0]
	ext := mtype.Extension()
	if ext == "" || strings.EqualFold(filepath.Ext(path), ext) {
		return path, mime, nil
	}

	corrected := strings.TrimSuffix(path, filepath.Ext(path)) + ext
	if err := linkOrCopy(path, corrected); err != nil {
		return "", "", retry.Storage(fmt.Errorf("failed to correct extension of %s: %w", path, err))
	}

	log.Debugf("Corrected extension of %s to %s (%s)\n", path, ext, mime)
	return corrected, mime, nil
}

// linkOrCopy replaces dst with a hard link to src, falling back to a copy
// when the filesystem does not support links.
func linkOrCopy(src string, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// discard removes an intermediate artifact once it has been superseded. The
// source file is never removed.
func discard(path string, source string) {
	if path == source {
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to remove intermediate artifact %s: %v\n", path, err)
	}
}

// classifyToolError maps a converter/prober failure to its retry classification.
// Non-zero exits indicate the input cannot be processed and are not retried.
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

	return retry.Permanent(err)
}
