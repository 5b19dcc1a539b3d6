package fix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Hoard/internal/tool"
)

// Probe describes the container and codecs of a media file.
type Probe struct {
	Container  string
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
	Duration   string
}

var probeArgs = []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams"}

// probe runs the prober against the file. A nil Probe (and nil error) is
// returned if the file could not be understood as media.
func (f *Fixer) probe(ctx context.Context, path string) (*Probe, error) {
	out, err := f.invoker.Run(ctx, tool.Prober, append(append([]string{}, probeArgs...), path), 0)
	if err != nil {
		if toolErr, ok := tool.AsError(err); ok && toolErr.Kind == tool.NonZeroExit {
			log.Debugf("Prober could not understand %s: %v\n", path, err)
			return nil, nil
		}

		return nil, classifyToolError(err)
	}

	var metadata ffmpeg.Metadata
	if err := json.Unmarshal(out.Stdout, &metadata); err != nil {
		log.Debugf("Prober output for %s malformed: %v\n", path, err)
		return nil, nil
	}

	return summarize(metadata), nil
}

// summarize reduces the probe metadata to the first video and audio stream. Files
// without any streams are not media.
func summarize(metadata ffmpeg.Metadata) *Probe {
	streams := metadata.GetStreams()
	if len(streams) == 0 {
		return nil
	}

	format := metadata.GetFormat()
	p := &Probe{Container: format.GetFormatName(), Duration: format.GetDuration()}
	for _, stream := range streams {
		switch stream.GetCodecType() {
		case "video":
			if p.VideoCodec == "" {
				p.VideoCodec = stream.GetCodecName()
				p.Width = stream.GetWidth()
				p.Height = stream.GetHeight()
			}
		case "audio":
			if p.AudioCodec == "" {
				p.AudioCodec = stream.GetCodecName()
			}
		}
	}

	if p.VideoCodec == "" && p.AudioCodec == "" {
		return nil
	}

	return p
}

// HasContainer returns true if the probed container name list includes the
// container given. ffprobe reports a comma separated list of the demuxers
// matching the file (e.g. "mov,mp4,m4a,3gp,3g2,mj2").
func (p *Probe) HasContainer(name string) bool {
	for _, c := range strings.Split(p.Container, ",") {
		if strings.TrimSpace(c) == name {
			return true
		}
	}

	return false
}

func (p *Probe) String() string {
	return fmt.Sprintf("Probe{container=%s video=%s audio=%s %dx%d}", p.Container, p.VideoCodec, p.AudioCodec, p.Width, p.Height)
}
