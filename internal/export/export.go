// Package export implements spec.md §4.10: writing a finished profile
// to a local file and/or shipping it to a collector over HTTP, with a
// bounded retry policy tailored to the collector's documented failure
// modes.
//
// Local file writes follow the teacher's cmd/profiler3 (os.Create +
// prof.Write(fp)); the HTTP path has no precedent in the retrieval
// pack, so it is built directly on
// github.com/hashicorp/go-retryablehttp (named, not pack-grounded;
// see DESIGN.md) configured with a CheckRetry matching this
// profiler's own escalation rules rather than the library's default
// policy.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/google/pprof/profile"
)

// Mode selects how a profile leaves this process, per spec.md §4.10.
type Mode int

const (
	// ModeFile writes the profile to a local path.
	ModeFile Mode = iota
	// ModeAgent posts to a local agent's unauthenticated intake.
	ModeAgent
	// ModeAgentless posts directly to a collector that requires an API
	// key header.
	ModeAgentless
)

// Target configures where and how a profile is shipped.
type Target struct {
	Mode Mode

	// FilePrefix is used under ModeFile: the output path is
	// "<FilePrefix><unix-nanos>.pprof".
	FilePrefix string

	URL    string
	APIKey string // only sent under ModeAgentless

	// Tags carries the fixed tag set spec.md §4.10 step 3 mandates
	// (language, env, version, service, profiler_version) plus any
	// user-supplied tags. The per-cycle profile_seq tag is added
	// automatically by Export and must not be set here.
	Tags map[string]string

	MaxRetries int
}

const defaultMaxRetries = 3

// Exporter ships profiles per a fixed Target.
type Exporter struct {
	target Target
	client *retryablehttp.Client

	// seq counts export cycles, surfaced as the per-cycle profile_seq
	// tag spec.md §4.10 step 3 and §8's "process exit during window"
	// edge case require.
	seq int64
}

// New creates an Exporter. The timestamp that names output files is
// passed to Export by the caller (never time.Now() inside this package,
// matching spec.md's determinism requirement for file naming in tests).
func New(target Target) *Exporter {
	e := &Exporter{target: target}
	if target.Mode != ModeFile {
		e.client = newRetryClient(target)
	}
	return e
}

func newRetryClient(target Target) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	maxRetries := target.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	c.RetryMax = maxRetries
	c.CheckRetry = checkRetry
	c.HTTPClient.Timeout = 30 * time.Second
	return c
}

// fatalError wraps a response the exporter must not retry past, per
// spec.md §4.10's escalation policy: 403/404 mean the target will
// never accept this request no matter how many times it's retried.
type fatalError struct {
	statusCode int
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("export: fatal response status %d", e.statusCode)
}

// checkRetry implements spec.md §4.10's policy:
//   - 504 Gateway Timeout: the collector was simply too slow, drop the
//     profile rather than retry (a stale profile isn't useful once its
//     collection window has passed).
//   - 403/404: authentication or routing will never succeed, fail fast.
//   - transport errors, other 5xx and 429: retry up to RetryMax times,
//     then fail.
//   - any other status: not retried; Export reports a status >= 400 as
//     an error.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp == nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusGatewayTimeout:
		return false, nil
	case http.StatusForbidden, http.StatusNotFound:
		return false, &fatalError{statusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	return false, nil
}

// Export ships p according to the Exporter's Target. nowUnixNano names
// the output file under ModeFile.
func (e *Exporter) Export(ctx context.Context, p *profile.Profile, nowUnixNano int64) error {
	seq := atomic.AddInt64(&e.seq, 1) - 1
	switch e.target.Mode {
	case ModeFile:
		return e.exportFile(p, nowUnixNano)
	case ModeAgent, ModeAgentless:
		return e.exportHTTP(ctx, p, seq)
	default:
		return fmt.Errorf("export: unknown mode %d", e.target.Mode)
	}
}

func (e *Exporter) exportFile(p *profile.Profile, nowUnixNano int64) error {
	path := fmt.Sprintf("%s%d.pprof", e.target.FilePrefix, nowUnixNano)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

func (e *Exporter) exportHTTP(ctx context.Context, p *profile.Profile, seq int64) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("auto.pprof", "auto.pprof")
	if err != nil {
		return fmt.Errorf("export: create multipart field: %w", err)
	}
	if err := p.Write(part); err != nil {
		return fmt.Errorf("export: write profile into multipart body: %w", err)
	}
	for k, v := range e.target.Tags {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("export: write tag %s: %w", k, err)
		}
	}
	if err := mw.WriteField("profile_seq", strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("export: write profile_seq: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("export: close multipart writer: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.target.URL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("export: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if e.target.Mode == ModeAgentless {
		req.Header.Set("DD-API-KEY", e.target.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		var fatal *fatalError
		if asFatal(err, &fatal) {
			return fatal
		}
		return fmt.Errorf("export: post profile: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("export: collector returned status %d", resp.StatusCode)
	}
	return nil
}

func asFatal(err error, out **fatalError) bool {
	for err != nil {
		if fe, ok := err.(*fatalError); ok {
			*out = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
