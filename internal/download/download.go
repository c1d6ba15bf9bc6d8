// Package download fetches transfer payloads with HTTP range requests and
// streams them, decrypted when needed, into partial files.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/transferd/internal/decrypt"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/partialfile"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

const (
	defaultChunkSize        = 32 * 1024
	defaultReadTimeout      = 30 * time.Second
	defaultProgressInterval = 5 * 1024 * 1024
)

var errReadTimeout = errors.New("no data received in time")

// Downloader starts range downloads. Its Start method is a
// transfer.DownloadFunc.
type Downloader struct {
	client           *http.Client
	tel              *telemetry.Telemetry
	chunkSize        int
	readTimeout      time.Duration
	progressInterval uint64
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithChunkSize sets the most bytes a single step reads.
func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		d.chunkSize = n
	}
}

// WithReadTimeout sets how long a step waits for data before the connection
// is considered broken.
func WithReadTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.readTimeout = timeout
	}
}

// New creates a Downloader. tel may be nil.
func New(client *http.Client, tel *telemetry.Telemetry, opts ...Option) *Downloader {
	d := &Downloader{
		client:           client,
		tel:              tel,
		chunkSize:        defaultChunkSize,
		readTimeout:      defaultReadTimeout,
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start prepares a download of req into file from position on. The request is
// sent by the first Step, so a server that is down shows up as a step result.
func (d *Downloader) Start(ctx context.Context, req transfer.Request, file *partialfile.PartialFile, position uint64, endRange *uint64) (transfer.Download, error) {
	if req.Encryption != nil && position%decrypt.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d", decrypt.ErrUnalignedOffset, position)
	}

	if err := file.Seek(position); err != nil {
		return nil, &transfer.StorageError{Operation: "seek", Path: file.Path(), Err: err}
	}

	end := req.OrigSize
	if endRange != nil && *endRange+1 < end {
		end = *endRange + 1
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)

	rd := &rangeDownload{
		d:        d,
		req:      req,
		file:     file,
		ctx:      ctx,
		cancel:   cancel,
		position: position,
		end:      end,
		buf:      make([]byte, d.chunkSize),
	}

	rd.progress = newProgress(position, req.OrigSize, d.progressInterval, func(written, total uint64) {
		logger.Debug("download progress",
			"url", req.URL(),
			"downloaded", humanize.Bytes(written),
			"total", humanize.Bytes(total),
			"percent", humanize.FtoaWithDigits(float64(written)*100/float64(max(total, 1)), 2))
	})

	return rd, nil
}

type rangeDownload struct {
	d    *Downloader
	req  transfer.Request
	file *partialfile.PartialFile

	// ctx spans the whole request, a step only borrows it.
	ctx    context.Context
	cancel context.CancelFunc

	position uint64
	end      uint64

	body     io.ReadCloser
	reader   io.Reader
	buf      []byte
	progress *progress
	timedOut atomic.Bool
}

// Step sends the request if needed and moves one chunk into the file.
func (rd *rangeDownload) Step(ctx context.Context) transfer.StepResult {
	if ctx.Err() != nil {
		return transfer.StepAborted
	}

	logger := logctx.LoggerFromContext(ctx)

	if rd.body == nil {
		if err := rd.open(); err != nil {
			logger.Warn("range request failed", "url", rd.req.URL(), "position", rd.position, "err", err)

			return classify(err)
		}
	}

	if rd.position >= rd.end {
		return transfer.StepFinished
	}

	n, err := rd.read()
	if n > 0 {
		written, werr := rd.file.Write(rd.buf[:n])
		rd.position += uint64(written)
		rd.progress.add(written)
		rd.d.tel.RecordDownloadedBytes(int64(written), rd.req.Encryption != nil)

		if werr != nil {
			logger.Error("failed to write downloaded data", "path", rd.file.Path(), "err", werr)

			if errors.Is(werr, partialfile.ErrWritePastEnd) {
				return transfer.StepFailedRemote
			}

			return transfer.StepFailedStorage
		}
	}

	switch {
	case err == nil:
		return transfer.StepContinue
	case ctx.Err() != nil:
		return transfer.StepAborted
	case errors.Is(err, io.EOF) && rd.position >= rd.end:
		return transfer.StepFinished
	case errors.Is(err, io.EOF):
		logger.Warn("connection closed early", "url", rd.req.URL(), "position", rd.position, "expected", rd.end)

		return transfer.StepFailedNetwork
	default:
		logger.Warn("failed to read response body", "url", rd.req.URL(), "position", rd.position, "err", err)

		return transfer.StepFailedNetwork
	}
}

func (rd *rangeDownload) Close() error {
	rd.cancel()

	if rd.body != nil {
		return rd.body.Close()
	}

	return nil
}

// read reads one chunk, giving up when nothing arrives within the read
// timeout. A timeout kills the whole request.
func (rd *rangeDownload) read() (int, error) {
	limit := min(uint64(len(rd.buf)), rd.end-rd.position)

	timer := time.AfterFunc(rd.d.readTimeout, func() {
		rd.timedOut.Store(true)
		rd.cancel()
	})

	n, err := rd.reader.Read(rd.buf[:limit])

	if !timer.Stop() && rd.timedOut.Load() {
		return n, errReadTimeout
	}

	return n, err
}

func (rd *rangeDownload) open() error {
	httpReq, err := http.NewRequestWithContext(rd.ctx, http.MethodGet, rd.req.URL(), nil)
	if err != nil {
		return &transfer.RemoteError{Reason: err.Error()}
	}

	for _, h := range rd.req.Headers() {
		httpReq.Header.Set(h.Name, h.Render())
	}

	// Plaintext and ciphertext offsets match, the start is block aligned and
	// the ciphertext is padded to whole blocks.
	cipherEnd := rd.end
	if rd.req.Encryption != nil {
		cipherEnd = (rd.end + decrypt.BlockSize - 1) / decrypt.BlockSize * decrypt.BlockSize
	}

	partial := rd.position > 0 || rd.end < rd.req.OrigSize
	if partial {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatUint(rd.position, 10)+"-"+strconv.FormatUint(cipherEnd-1, 10))
	}

	resp, err := rd.d.client.Do(httpReq)
	if err != nil {
		return &transfer.NetworkError{Operation: "range_request", Message: err.Error(), Err: err}
	}

	body := io.ReadCloser(resp.Body)

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		// The server ignored the range; skip what is already there.
		if rd.position > 0 {
			if _, err := io.CopyN(io.Discard, body, int64(rd.position)); err != nil {
				body.Close()

				return &transfer.NetworkError{Operation: "skip_to_range", Message: err.Error(), Err: err}
			}
		}
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		body.Close()

		return &transfer.NetworkError{Operation: "range_request", StatusCode: resp.StatusCode, Message: resp.Status}
	default:
		body.Close()

		return &transfer.RemoteError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	if rd.req.Encryption == nil && resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 &&
		uint64(resp.ContentLength) != rd.req.OrigSize {
		body.Close()

		return &transfer.RemoteError{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("size mismatch: expected %d, got %d", rd.req.OrigSize, resp.ContentLength),
		}
	}

	rd.body = body
	rd.reader = body

	if enc := rd.req.Encryption; enc != nil {
		dec, err := decrypt.New(enc.Key[:], enc.Nonce, rd.position, rd.req.OrigSize)
		if err != nil {
			body.Close()
			rd.body = nil

			return &transfer.RemoteError{Reason: err.Error()}
		}

		rd.reader = decrypt.NewReader(body, dec)
	}

	return nil
}

func classify(err error) transfer.StepResult {
	var remoteErr *transfer.RemoteError
	if errors.As(err, &remoteErr) {
		return transfer.StepFailedRemote
	}

	return transfer.StepFailedNetwork
}
