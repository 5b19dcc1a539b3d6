package fix

import (
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
)

// Class is the broad kind of media a file contains.
type Class int

const (
	Other Class = iota
	Video
	Image
	Audio
)

func (c Class) String() string {
	switch c {
	case Video:
		return "video"
	case Image:
		return "image"
	case Audio:
		return "audio"
	}

	return "other"
}

// Image codecs are reported by the prober as (single frame) video streams.
var imageCodecs = map[string]bool{
	"mjpeg": true, "png": true, "apng": true, "gif": true,
	"webp": true, "bmp": true, "tiff": true, "jpegxl": true,
}

var (
	acceptedImageMimes = map[string]bool{"image/jpeg": true, "image/png": true, "image/gif": true}
	acceptedAudioCodec = map[string]bool{"mp3": true, "aac": true}
	acceptedVideoAudio = map[string]bool{"": true, "aac": true, "mp3": true}
)

// classify decides the class of a file from its sniffed mime type and its
// probe (which may be nil for non-media).
func classify(mime string, probe *Probe) Class {
	if probe == nil {
		return Other
	}

	switch {
	case strings.HasPrefix(mime, "image/"):
		return Image
	case probe.VideoCodec != "" && imageCodecs[probe.VideoCodec] && !strings.HasPrefix(mime, "video/"):
		return Image
	case probe.VideoCodec != "":
		return Video
	case probe.AudioCodec != "":
		return Audio
	}

	return Other
}

// accepted returns true if the file is already in a format we store as is.
func accepted(class Class, mime string, probe *Probe) bool {
	switch class {
	case Video:
		return probe.HasContainer("mp4") && mime == "video/mp4" &&
			probe.VideoCodec == "h264" && acceptedVideoAudio[probe.AudioCodec]
	case Image:
		return acceptedImageMimes[mime]
	case Audio:
		return acceptedAudioCodec[probe.AudioCodec] && probe.VideoCodec == ""
	}

	return true
}

// conversionTarget returns the ffmpeg options and output extension used
// to normalise a file of the class given.
func (f *Fixer) conversionTarget(class Class) (*ffmpeg.Options, string) {
	var (
		overwrite   = true
		hideBanner  = true
		noMetadata  = "-1"
		videoCodec  = "libx264"
		audioCodec  = "aac"
		mp3Codec    = "libmp3lame"
		preset      = f.config.VideoPreset
		audioRate   = f.config.AudioBitrate
		evenScale   = "scale=ceil(iw/2)*2:ceil(ih/2)*2,format=yuv420p"
		fastStart   = "+faststart"
		mp4Format   = "mp4"
		mp3Format   = "mp3"
		imageFormat = "image2"
		pngCodec    = "png"
	)

	switch class {
	case Video:
		return &ffmpeg.Options{
			VideoCodec:   &videoCodec,
			AudioCodec:   &audioCodec,
			AudioBitrate: &audioRate,
			Preset:       &preset,
			VideoFilter:  &evenScale,
			MapMetadata:  &noMetadata,
			MovFlags:     &fastStart,
			HideBanner:   &hideBanner,
			OutputFormat: &mp4Format,
			Overwrite:    &overwrite,
		}, ".mp4"
	case Image:
		return &ffmpeg.Options{
			VideoCodec:   &pngCodec,
			MapMetadata:  &noMetadata,
			HideBanner:   &hideBanner,
			OutputFormat: &imageFormat,
			Overwrite:    &overwrite,
		}, ".png"
	case Audio:
		return &ffmpeg.Options{
			AudioCodec:   &mp3Codec,
			AudioBitrate: &audioRate,
			MapMetadata:  &noMetadata,
			HideBanner:   &hideBanner,
			OutputFormat: &mp3Format,
			Overwrite:    &overwrite,
		}, ".mp3"
	}

	return nil, ""
}
