package fix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/hbomb79/Hoard/pkg/logger"
)

const (
	cropDetectFilter = "cropdetect=mode=black:limit=24:round=2:reset=0"
	cropDetectPrefix = "[Parsed_cropdetect"
)

// White borders are detected by negating the frame first, so cropdetect
// only ever has to look for black.
var borderFilters = []string{"", "negate"}

type cropArea struct {
	width, height, x, y int
}

func (c *cropArea) String() string {
	return fmt.Sprintf("crop=%d:%d:%d:%d", c.width, c.height, c.x, c.y)
}

// union grows the area to cover other.
func (c *cropArea) union(other *cropArea) {
	c.width, c.height = max(c.width, other.width), max(c.height, other.height)
	c.x, c.y = min(c.x, other.x), min(c.y, other.y)
}

// intersect shrinks the area to the region shared with other.
func (c *cropArea) intersect(other *cropArea) {
	c.width, c.height = min(c.width, other.width), min(c.height, other.height)
	c.x, c.y = max(c.x, other.x), max(c.y, other.y)
}

// cropBars removes solid black and white borders from the video at path. The
// path of the cropped video is returned, or path itself if there was nothing
// to crop.
func (f *Fixer) cropBars(ctx context.Context, path string, probe *Probe) (string, error) {
	if probe == nil || probe.VideoCodec == "" {
		return path, nil
	}
	if probe.Width <= 0 || probe.Height <= 0 {
		return "", fmt.Errorf("prober reported no dimensions for %s", path)
	}

	var area *cropArea
	for _, border := range borderFilters {
		detected, err := f.detectCrop(ctx, path, border)
		if err != nil {
			return "", err
		}
		if detected == nil {
			log.Debugf("No crop detected for %s, skipping\n", path)
			return path, nil
		}

		if area == nil {
			area = detected
		} else {
			area.intersect(detected)
		}
	}

	if area.width >= probe.Width && area.height >= probe.Height {
		log.Debugf("Video %s has no borders to crop\n", path)
		return path, nil
	}
	if area.width <= 0 || area.height <= 0 {
		log.Debugf("Ignoring degenerate crop %s for %s\n", area, path)
		return path, nil
	}

	options, ext := f.cropTarget(area)
	output := filepath.Join(filepath.Dir(path), "cropped"+ext)
	args := append([]string{"-nostdin", "-v", "error", "-i", path}, options.GetStrArguments()...)
	args = append(args, output)

	if _, err := f.invoker.Run(ctx, tool.Converter, args, 0); err != nil {
		return "", classifyToolError(err)
	}

	if _, err := os.Stat(output); err != nil {
		return "", retry.Permanent(fmt.Errorf("converter did not produce %s: %w", output, err))
	}

	log.Emit(logger.SUCCESS, "Cropped %s from %dx%d using %s\n", path, probe.Width, probe.Height, area)
	return output, nil
}

// detectCrop runs cropdetect over the whole video, after applying the border
// filter given. A nil area means no crop could be detected.
func (f *Fixer) detectCrop(ctx context.Context, path string, border string) (*cropArea, error) {
	var (
		hideBanner = true
		nullFormat = "null"
		filter     = cropDetectFilter
	)
	if border != "" {
		filter = border + "," + filter
	}

	options := ffmpeg.Options{HideBanner: &hideBanner, OutputFormat: &nullFormat, VideoFilter: &filter}
	args := append([]string{"-nostdin", "-i", path}, options.GetStrArguments()...)
	args = append(args, "-")

	out, err := f.invoker.Run(ctx, tool.Converter, args, 0)
	if err != nil {
		return nil, classifyToolError(err)
	}

	return parseCropDetect(out.Stderr), nil
}

// parseCropDetect reads the crop suggestions cropdetect logs, returning the
// smallest area covering all of them.
func parseCropDetect(stderr string) *cropArea {
	var area *cropArea
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.LastIndex(line, "crop=")
		if !strings.HasPrefix(line, cropDetectPrefix) || idx == -1 {
			continue
		}

		detected := &cropArea{}
		if _, err := fmt.Sscanf(line[idx:], "crop=%d:%d:%d:%d", &detected.width, &detected.height, &detected.x, &detected.y); err != nil {
			log.Debugf("Ignoring malformed cropdetect line %q: %v\n", line, err)
			continue
		}

		if area == nil {
			area = detected
		} else {
			area.union(detected)
		}
	}

	return area
}

// cropTarget returns the ffmpeg options used to re-encode a video with the
// crop applied. Cropped videos are always written as mp4.
func (f *Fixer) cropTarget(area *cropArea) (*ffmpeg.Options, string) {
	var (
		overwrite  = true
		hideBanner = true
		noMetadata = "-1"
		videoCodec = "libx264"
		audioCodec = "copy"
		preset     = f.config.VideoPreset
		crop       = area.String()
		fastStart  = "+faststart"
		mp4Format  = "mp4"
	)

	return &ffmpeg.Options{
		VideoCodec:   &videoCodec,
		AudioCodec:   &audioCodec,
		Preset:       &preset,
		VideoFilter:  &crop,
		MapMetadata:  &noMetadata,
		MovFlags:     &fastStart,
		HideBanner:   &hideBanner,
		OutputFormat: &mp4Format,
		Overwrite:    &overwrite,
	}, ".mp4"
}
