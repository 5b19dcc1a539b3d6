package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hbomb79/Hoard/internal/job"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/hbomb79/Hoard/internal/safety"
)

const maxRedirects = 10

var (
	errTooLarge = errors.New("download exceeds maximum permitted size")

	safeExtension = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)
)

type (
	// sizeLimitedClient wraps the HTTP client used by grab, failing any body
	// read which exceeds the configured maximum. This covers responses which
	// do not declare their length up front.
	sizeLimitedClient struct {
		inner grab.HTTPClient
		max   int64
	}

	limitedBody struct {
		io.ReadCloser
		remaining int64
	}
)

func (c *sizeLimitedClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.inner.Do(req)
	if err != nil || c.max <= 0 {
		return resp, err
	}

	resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: c.max}
	return resp, nil
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, errTooLarge
	}

	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}

	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, errTooLarge
	}

	return n, err
}

// newGrabClient constructs the grab client used for raw downloads. Requests
// are sent through a retrying HTTP client whose transport refuses to connect
// to any address the validator blocks.
func newGrabClient(config Config, validator *safety.Validator) *grab.Client {
	transport := validator.Transport()
	if config.SocketTimeoutSeconds > 0 {
		transport.ResponseHeaderTimeout = time.Duration(config.SocketTimeoutSeconds) * time.Second
	}

	retrying := retryablehttp.NewClient()
	retrying.RetryMax = config.HTTPRetries
	retrying.RetryWaitMin = 500 * time.Millisecond
	retrying.RetryWaitMax = 5 * time.Second
	retrying.Logger = &leveledLogger{log}
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retrying.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if safety.IsRejected(err) || errors.Is(err, errTooLarge) {
			return false, nil
		}

		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retrying.HTTPClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return &safety.RejectedError{Target: req.URL.String(), Reason: fmt.Sprintf("redirect to scheme %q is not permitted", req.URL.Scheme)}
			}

			return nil
		},
	}

	client := grab.NewClient()
	client.UserAgent = config.UserAgent
	client.HTTPClient = &sizeLimitedClient{inner: retrying.StandardClient(), max: config.MaxDownloadBytes}
	return client
}

// download fetches the job's source URL directly, applying any request
// override the job carries.
func (f *Fetcher) download(ctx context.Context, j *job.Job, dir string) (string, error) {
	req, err := grab.NewRequest(filepath.Join(dir, rawFilename(j.SourceURL)), j.SourceURL)
	if err != nil {
		return "", retry.Rejected(fmt.Errorf("source url is invalid: %w", err))
	}

	req = req.WithContext(ctx)
	req.NoResume = true
	if f.config.UserAgent != "" {
		req.HTTPRequest.Header.Set("User-Agent", f.config.UserAgent)
	}
	if j.Override != nil {
		if j.Override.Method != "" {
			req.HTTPRequest.Method = strings.ToUpper(j.Override.Method)
		}
		for k, v := range j.Override.Headers {
			if strings.EqualFold(k, "Host") {
				req.HTTPRequest.Host = v
				continue
			}
			req.HTTPRequest.Header.Set(k, v)
		}
	}
	req.BeforeCopy = func(resp *grab.Response) error {
		if f.config.MaxDownloadBytes > 0 && resp.Size() > f.config.MaxDownloadBytes {
			return errTooLarge
		}

		return nil
	}

	resp := f.grab.Do(req)
	if err := resp.Err(); err != nil {
		return "", classifyDownloadError(ctx, err)
	}

	log.Debugf("Raw fetch of %s complete (%d bytes)\n", j, resp.BytesComplete())
	return resp.Filename, nil
}

// classifyDownloadError maps a raw download failure to its retry classification.
func classifyDownloadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if safety.IsRejected(err) {
		return retry.Rejected(err)
	}

	if errors.Is(err, errTooLarge) {
		return retry.Permanent(err)
	}

	var statusErr grab.StatusCodeError
	if errors.As(err, &statusErr) {
		code := int(statusErr)
		if code == http.StatusTooManyRequests || code >= 500 {
			return retry.Transient(fmt.Errorf("source responded with status %d", code))
		}

		return retry.Permanent(fmt.Errorf("source responded with status %d", code))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || isNetworkError(err) {
		return retry.Transient(err)
	}

	return retry.Permanent(err)
}

func isNetworkError(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// rawFilename derives a filename for the download from the URL path, keeping
// only a conservative extension. The fixing stage corrects the extension
// based on the content later.
func rawFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "source"
	}

	ext := path.Ext(u.Path)
	if !safeExtension.MatchString(ext) {
		return "source"
	}

	return "source" + strings.ToLower(ext)
}
