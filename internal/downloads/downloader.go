package downloads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/mal/internal/tasks"
)

const (
	// DefaultBaseURL is the Hugging Face hub.
	DefaultBaseURL = "https://huggingface.co"
	// DefaultProgressInterval bounds how often progress is reported.
	DefaultProgressInterval = 250 * time.Millisecond

	partSuffix = ".part"
)

// Config holds downloader settings.
type Config struct {
	BaseURL          string
	Token            string
	ModelsDir        string
	ProgressInterval time.Duration
}

// Downloader fetches model files over HTTP.
type Downloader struct {
	client    *http.Client
	baseURL   string
	modelsDir string
	interval  time.Duration

	mu    sync.RWMutex
	token string
}

// New creates a downloader. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Downloader{
		client:    client,
		baseURL:   base,
		token:     cfg.Token,
		modelsDir: cfg.ModelsDir,
		interval:  interval,
	}
}

// SetToken replaces the bearer token used for later downloads.
func (d *Downloader) SetToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

func (d *Downloader) authToken() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// ModelsDir returns the root all downloads land under.
func (d *Downloader) ModelsDir() string {
	return d.modelsDir
}

// Target resolves the destination of req.
func (d *Downloader) Target(req Request) (string, error) {
	return req.TargetPath(d.modelsDir)
}

// URL returns the resolve URL of req.
func (d *Downloader) URL(req Request) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		d.baseURL, req.RepoID, url.PathEscape(req.revision()), escapePath(req.Filename))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Download transfers req into its destination, reporting byte progress. The
// file is written to a .part sibling and renamed once complete; on failure or
// cancellation the partial file is removed before returning.
func (d *Downloader) Download(ctx context.Context, req Request, rep tasks.Reporter) (err error) {
	dest, err := d.Target(req)
	if err != nil {
		return err
	}
	log := slog.With("subject", req.Subject(), "path", dest)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(req), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := d.authToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, httpReq.URL)
	}

	part := dest + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
			log.Debug("partial download removed", "error", err)
		}
	}()

	pw := newProgressWriter(f, rep, resp.ContentLength, d.interval)
	if _, err := io.Copy(pw, resp.Body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("writing file %s: %w", part, err)
	}
	pw.Finish()

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing file %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(part), err)
	}

	log.Info("download complete", "bytes", pw.Written())
	return nil
}

// progressWriter forwards writes and reports throttled byte progress.
type progressWriter struct {
	dst      io.Writer
	rep      tasks.Reporter
	total    int64
	interval time.Duration

	mu       sync.Mutex
	written  int64
	lastAt   time.Time
	lastPct  int
	reported bool
}

func newProgressWriter(dst io.Writer, rep tasks.Reporter, total int64, interval time.Duration) *progressWriter {
	if total < 0 {
		total = 0
	}
	return &progressWriter{dst: dst, rep: rep, total: total, interval: interval, lastPct: -1}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.dst.Write(p)

	pw.mu.Lock()
	pw.written += int64(n)
	pct := pw.percentage()
	now := time.Now()
	due := !pw.reported || now.Sub(pw.lastAt) >= pw.interval
	if due && (pct != pw.lastPct || pw.total == 0) {
		pw.report(now, pct)
	}
	pw.mu.Unlock()

	return n, err
}

func (pw *progressWriter) percentage() int {
	if pw.total <= 0 {
		return 0
	}
	pct := int(pw.written * 100 / pw.total)
	return min(pct, 100)
}

// report sends the current counters. Caller must hold pw.mu.
func (pw *progressWriter) report(now time.Time, pct int) {
	pw.lastAt = now
	pw.lastPct = pct
	pw.reported = true
	pw.rep.Progress(tasks.Progress{
		BytesDone:  pw.written,
		BytesTotal: pw.total,
		Percentage: pct,
	})
}

// Finish always reports the final counters.
func (pw *progressWriter) Finish() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.total == 0 {
		pw.total = pw.written
	}
	pw.report(time.Now(), 100)
}

func (pw *progressWriter) Written() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.written
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
