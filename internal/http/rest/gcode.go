package rest

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/prefetch"
	"github.com/italolelis/transferd/internal/telemetry"
)

const (
	defaultGcodeLimit = 100
	maxGcodeLimit     = 1000
)

// GcodeCommand is a command read out of a gcode file.
type GcodeCommand struct {
	Gcode   string `json:"gcode"`
	Replay  uint32 `json:"replay"`
	Resume  uint32 `json:"resume"`
	Cropped bool   `json:"cropped,omitempty"`
}

// GcodeResponse is a batch of commands. A client continues from Next.
// Status "ok" means the batch is full, "not_downloaded" that the rest of the
// file is still being transferred.
type GcodeResponse struct {
	Commands []GcodeCommand `json:"commands"`
	Status   string         `json:"status"`
	Next     uint32         `json:"next"`
}

// GcodeHandler serves the commands of gcode files through the prefetch
// buffer, so printing can start while a file downloads.
type GcodeHandler struct {
	fs       afero.Fs
	open     prefetch.Opener
	cfg      prefetch.Config
	tel      *telemetry.Telemetry
	root     string
	timeout  time.Duration
	username string
	password string
}

// NewGcodeHandler creates the gcode API. A request gives up waiting for the
// next command after timeout.
func NewGcodeHandler(afs afero.Fs, open prefetch.Opener, cfg prefetch.Config, tel *telemetry.Telemetry, root string, timeout time.Duration, username, password string) *GcodeHandler {
	return &GcodeHandler{
		fs:       afs,
		open:     open,
		cfg:      cfg,
		tel:      tel,
		root:     filepath.Clean(root),
		timeout:  timeout,
		username: username,
		password: password,
	}
}

func (h *GcodeHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(BasicAuth(h.username, h.password))
	}

	r.Get("/", h.HandleRead)

	return r
}

// HandleRead returns up to limit commands of path starting at offset.
func (h *GcodeHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	path, err := resolveDestination(h.root, q.Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	var offset uint64
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.ParseUint(v, 10, 32); err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)

			return
		}
	}

	limit := defaultGcodeLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > maxGcodeLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}
	}

	if _, err := h.fs.Stat(path); err != nil {
		http.Error(w, "file not found", http.StatusNotFound)

		return
	}

	ctx := r.Context()

	m := prefetch.New(ctx, h.open, h.cfg, h.tel)
	defer m.Close()

	if err := m.Start(path, prefetch.Position{Offset: uint32(offset)}); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to start media prefetch", "path", path, "err", err)
		http.Error(w, "failed to read gcode", http.StatusInternalServerError)

		return
	}

	resp := GcodeResponse{Commands: []GcodeCommand{}, Next: uint32(offset)}
	resp.Status = h.read(ctx, m, &resp, limit).String()

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *GcodeHandler) read(ctx context.Context, m *prefetch.Manager, resp *GcodeResponse, limit int) prefetch.Status {
	deadline := time.Now().Add(h.timeout)

	for len(resp.Commands) < limit {
		result, status := m.ReadCommand()

		if status == prefetch.StatusOK {
			resp.Commands = append(resp.Commands, GcodeCommand{
				Gcode:   result.Gcode,
				Replay:  result.ReplayPos.Offset,
				Resume:  result.ResumePos.Offset,
				Cropped: result.Cropped,
			})
			resp.Next = result.ResumePos.Offset
			deadline = time.Now().Add(h.timeout)

			continue
		}

		if status == prefetch.StatusEndOfFile || status == prefetch.StatusNotDownloaded || time.Now().After(deadline) {
			return status
		}

		m.IssueFetch()

		select {
		case <-ctx.Done():
			return status
		case <-time.After(time.Millisecond):
		}
	}

	return prefetch.StatusOK
}
