package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/safety"
	"github.com/hbomb79/Hoard/internal/tool"
	"github.com/hbomb79/Hoard/pkg/logger"
)

var log = logger.Get("Fetch")

// Strategy is the closed set of ways in which a job's media can be fetched.
type Strategy int

const (
	// Extractor uses the external extractor tool, which understands how to
	// find the media embedded in pages of well-known media platforms.
	Extractor Strategy = iota
	// Raw downloads the URL directly over HTTP(S).
	Raw
)

func (s Strategy) String() string {
	switch s {
	case Extractor:
		return "extractor"
	case Raw:
		return "raw"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(s))
}

type (
	Config struct {
		// ExtractorHosts lists the sites (and their subdomains) which are
		// fetched using the extractor. All other URLs are fetched raw.
		ExtractorHosts []string `yaml:"extractor_hosts" env:"FETCH_EXTRACTOR_HOSTS" env-separator:"," env-default:"youtube.com,youtu.be,vimeo.com,dailymotion.com,twitch.tv,twitter.com,x.com,tiktok.com,instagram.com,reddit.com,soundcloud.com,bandcamp.com,streamable.com"`

		// ExtractorFormat is the default format selector passed to the extractor
		// when a job does not specify one.
		ExtractorFormat string `yaml:"extractor_format" env:"FETCH_EXTRACTOR_FORMAT" env-default:"bv*+ba/b"`

		UserAgent            string `yaml:"user_agent" env:"FETCH_USER_AGENT" env-default:"Hoard/1.0"`
		MaxDownloadBytes     int64  `yaml:"max_download_bytes" env:"FETCH_MAX_DOWNLOAD_BYTES" env-default:"4294967296"`
		SocketTimeoutSeconds int    `yaml:"socket_timeout_seconds" env:"FETCH_SOCKET_TIMEOUT_SECONDS" env-default:"30"`

		// HTTPRetries is the number of times a raw request is re-sent on
		// connection errors and 429/5xx responses before the attempt fails.
		HTTPRetries int `yaml:"http_retries" env:"FETCH_HTTP_RETRIES" env-default:"2"`
	}

	// Invoker is the subset of the tool invoker used for fetching.
	Invoker interface {
		Run(ctx context.Context, t tool.Tool, args []string, timeout time.Duration) (*tool.Output, error)
		Available(t tool.Tool) bool
	}

	Result struct {
		Path     string
		Strategy Strategy
	}

	// Fetcher downloads the source media of a job in to a staging directory.
	Fetcher struct {
		config    Config
		invoker   Invoker
		validator *safety.Validator
		grab      *grab.Client
	}
)

func New(config Config, invoker Invoker, validator *safety.Validator) *Fetcher {
	return &Fetcher{
		config:    config,
		invoker:   invoker,
		validator: validator,
		grab:      newGrabClient(config, validator),
	}
}

// Select chooses the strategy used to fetch the job provided.
func (f *Fetcher) Select(j *job.Job) Strategy {
	if !f.invoker.Available(tool.Extractor) {
		return Raw
	}

	u, err := url.Parse(j.SourceURL)
	if err != nil {
		return Raw
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	for _, h := range f.config.ExtractorHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}

		if host == h || strings.HasSuffix(host, "."+h) {
			return Extractor
		}
	}

	return Raw
}

// Fetch downloads the media for the job in to dir, which is emptied before the
// download begins. Errors are classified using the retry package.
func (f *Fetcher) Fetch(ctx context.Context, j *job.Job, dir string) (*Result, error) {
	if err := resetDir(dir); err != nil {
		return nil, err
	}

	if f.Select(j) == Extractor {
		path, err := f.extract(ctx, j, dir)
		if err == nil {
			return &Result{Path: path, Strategy: Extractor}, nil
		}
		if !errors.Is(err, errDeclined) {
			return nil, err
		}

		log.Infof("Extractor declined %s, falling back to raw fetch\n", j)
		if err := resetDir(dir); err != nil {
			return nil, err
		}
	}

	path, err := f.download(ctx, j, dir)
	if err != nil {
		return nil, err
	}

	return &Result{Path: path, Strategy: Raw}, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return retry.Storage(fmt.Errorf("failed to clear staging directory %s: %w", dir, err))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return retry.Storage(fmt.Errorf("failed to create staging directory %s: %w", dir, err))
	}

	return nil
}
