package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
)

const (
	defaultReportEvery = 1 << 20
	copyBufSize        = 256 << 10
)

// Progress is reported while a download streams to disk.
type Progress struct {
	BytesDownloaded int64
	BytesTotal      int64
	Percent         float64
}

// Result describes a finished download.
type Result struct {
	Path        string
	Bytes       int64
	ContentType string
	// Resumed is true when bytes from an earlier attempt were kept.
	Resumed bool
}

// Downloader streams a source into a scratch file and resumes partial files.
// HTTP sources resume with a Range request; s3://bucket/key sources with a
// ranged GetObject.
type Downloader struct {
	Client  *http.Client
	Objects core.ObjectClient
	Policy  resilience.Policy
	// MaxBytes rejects larger sources with FILE_TOO_LARGE. Zero disables the check.
	MaxBytes    int64
	ReportEvery int64
	Log         *zap.Logger
}

func New(objects core.ObjectClient, maxBytes int64, log *zap.Logger) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Downloader{
		Client:      &http.Client{Transport: http.DefaultTransport},
		Objects:     objects,
		Policy:      resilience.Download,
		MaxBytes:    maxBytes,
		ReportEvery: defaultReportEvery,
		Log:         log,
	}
}

// DownloadToScratch downloads sourceURL to dest, keeping any bytes already in
// dest. Transient failures are retried under the download policy; bytes
// written by a failed attempt are kept for the next one.
func (d *Downloader) DownloadToScratch(ctx context.Context, sourceURL, dest string, onProgress func(Progress) error) (*Result, error) {
	if onProgress == nil {
		onProgress = func(Progress) error { return nil }
	}
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" {
		return nil, errs.New(errs.CodeInvalidPayload, "invalid source url")
	}

	var fetch func(ctx context.Context) (*Result, error)
	switch u.Scheme {
	case "http", "https":
		fetch = func(ctx context.Context) (*Result, error) { return d.fetchHTTP(ctx, sourceURL, dest, onProgress) }
	case "s3":
		if d.Objects == nil {
			return nil, errs.New(errs.CodeMissingConfig, "s3 source but no object storage configured")
		}
		bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return nil, errs.New(errs.CodeInvalidPayload, "s3 source needs bucket and key")
		}
		fetch = func(ctx context.Context) (*Result, error) { return d.fetchObject(ctx, bucket, key, dest, onProgress) }
	default:
		return nil, errs.New(errs.CodeInvalidPayload, "unsupported source scheme %q", u.Scheme)
	}

	log := d.Log.With(zap.String("source", redact(u)))
	started := time.Now()
	res, err := resilience.DoValue(ctx, d.Policy, fetch)
	if err != nil {
		log.Warn("Downloader: download failed", zap.Error(err))
		return nil, err
	}
	log.Info("Downloader: download complete",
		zap.Int64("bytes", res.Bytes),
		zap.Bool("resumed", res.Resumed),
		zap.Duration("took", time.Since(started)))
	return res, nil
}

func (d *Downloader) fetchHTTP(ctx context.Context, src, dest string, onProgress func(Progress) error) (*Result, error) {
	have := fileSize(dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "build request")
	}
	if have > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDownloadFailed, err, "request source")
	}
	defer resp.Body.Close()

	res := &Result{Path: dest, ContentType: resp.Header.Get("Content-Type")}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != have {
			_ = os.Truncate(dest, 0)
			return nil, errs.New(errs.CodeDownloadFailed, "server answered range %d- with %q", have, resp.Header.Get("Content-Range"))
		}
		if err := d.checkSize(total); err != nil {
			return nil, err
		}
		res.Resumed = have > 0
		n, err := d.stream(resp.Body, dest, true, have, total, onProgress)
		res.Bytes = n
		if err != nil {
			return nil, err
		}
		if total > 0 && n != total {
			return nil, errs.New(errs.CodeDownloadFailed, "short body: %d of %d bytes", n, total)
		}
		return res, nil

	case http.StatusOK:
		if have > 0 {
			d.Log.Info("Downloader: server ignored range, restarting", zap.Int64("discarded", have))
		}
		total := resp.ContentLength
		if total < 0 {
			total = 0
		}
		if err := d.checkSize(total); err != nil {
			return nil, err
		}
		n, err := d.stream(resp.Body, dest, false, 0, total, onProgress)
		res.Bytes = n
		if err != nil {
			return nil, err
		}
		if total > 0 && n != total {
			return nil, errs.New(errs.CodeDownloadFailed, "short body: %d of %d bytes", n, total)
		}
		return res, nil

	case http.StatusRequestedRangeNotSatisfiable:
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if have > 0 && (!ok || total == have) {
			res.Bytes, res.Resumed = have, true
			if err := onProgress(progress(have, have)); err != nil {
				return nil, err
			}
			return res, nil
		}
		_ = os.Truncate(dest, 0)
		return nil, errs.New(errs.CodeDownloadFailed, "range %d- not satisfiable for %d bytes", have, total)
	}

	return nil, statusError(resp.StatusCode)
}

func (d *Downloader) fetchObject(ctx context.Context, bucket, key, dest string, onProgress func(Progress) error) (*Result, error) {
	size, err := d.Objects.ObjectSize(ctx, bucket, key)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("stat object: %w", err), errs.CodeDownloadFailed)
	}
	if err := d.checkSize(size); err != nil {
		return nil, err
	}

	have := fileSize(dest)
	if have > size {
		_ = os.Truncate(dest, 0)
		have = 0
	}
	res := &Result{Path: dest, Bytes: have, Resumed: have > 0}
	if have == size && size > 0 {
		return res, onProgress(progress(have, size))
	}

	body, err := d.Objects.GetObjectRange(ctx, bucket, key, have)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("get object: %w", err), errs.CodeDownloadFailed)
	}
	defer body.Close()

	n, err := d.stream(body, dest, true, have, size, onProgress)
	res.Bytes = n
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, errs.New(errs.CodeDownloadFailed, "short object body: %d of %d bytes", n, size)
	}
	return res, nil
}

// stream copies r into dest, appending after offset or truncating, and
// returns the file size reached.
func (d *Downloader) stream(r io.Reader, dest string, appendTo bool, offset, total int64, onProgress func(Progress) error) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return offset, fmt.Errorf("open scratch file: %w", err)
	}

	every := d.ReportEvery
	if every <= 0 {
		every = defaultReportEvery
	}
	written, reported := offset, offset
	buf := make([]byte, copyBufSize)
	var copyErr error
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				copyErr = fmt.Errorf("write scratch file: %w", werr)
				break
			}
			written += int64(n)
			if d.MaxBytes > 0 && written > d.MaxBytes {
				copyErr = errs.New(errs.CodeFileTooLarge, "source exceeds %d bytes", d.MaxBytes)
				break
			}
			if written-reported >= every {
				reported = written
				if err := onProgress(progress(written, total)); err != nil {
					copyErr = err
					break
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			copyErr = errs.Wrap(errs.CodeDownloadFailed, rerr, "read source after %d bytes", written)
			break
		}
	}

	if err := f.Sync(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("sync scratch file: %w", err)
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close scratch file: %w", err)
	}
	if copyErr != nil {
		return written, copyErr
	}
	if written != reported || written == 0 {
		if err := onProgress(progress(written, total)); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (d *Downloader) checkSize(total int64) error {
	if d.MaxBytes > 0 && total > d.MaxBytes {
		return errs.New(errs.CodeFileTooLarge, "source is %d bytes, limit %d", total, d.MaxBytes)
	}
	return nil
}

func progress(done, total int64) Progress {
	p := Progress{BytesDownloaded: done, BytesTotal: total}
	if total > 0 {
		p.Percent = float64(done) / float64(total) * 100
	}
	return p
}

func statusError(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return errs.New(errs.CodeInvalidPayload, "source not accessible: status %d", status)
	}
	e := errs.FromStatus(status, "download")
	if e.Code == errs.CodeUnknown {
		e.Code = errs.CodeDownloadFailed
	}
	return e
}

// parseContentRange reads "bytes start-end/total" and "bytes */total".
// total is 0 when the server sent "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, 0, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(h, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	if size != "*" {
		t, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = t
	}
	if spec == "*" {
		return 0, total, true
	}
	from, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, total, true
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
