package rest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/transferd/internal/decrypt"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

const maxRequestSize = 64 * 1024

// Queue accepts transfer jobs.
type Queue interface {
	Enqueue(job transfer.Job) error
}

// TransferStatus is the JSON form of a monitor snapshot.
type TransferStatus struct {
	ID          uint32    `json:"id"`
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	Expected    uint64    `json:"expected"`
	ValidBytes  uint64    `json:"validBytes"`
	Progress    float64   `json:"progress"`
	Stalled     bool      `json:"stalled"`
	StartedAt   time.Time `json:"startedAt"`
	Done        bool      `json:"done"`
	Outcome     string    `json:"outcome,omitempty"`
}

// TransferOutcome answers whether a transfer is still running or how it
// ended.
type TransferOutcome struct {
	ID      uint32 `json:"id"`
	Running bool   `json:"running"`
	Outcome string `json:"outcome,omitempty"`
}

// HeaderRequest is an extra header sent with every request of a transfer.
type HeaderRequest struct {
	Name      string  `json:"name"`
	Value     string  `json:"value"`
	SizeLimit *uint32 `json:"sizeLimit,omitempty"`
}

// EncryptionRequest carries the hex encoded key material of a download.
type EncryptionRequest struct {
	Key   string `json:"key"`
	Nonce string `json:"nonce"`
}

// StartTransferRequest queues a new transfer.
type StartTransferRequest struct {
	URL         string             `json:"url"`
	Destination string             `json:"destination"`
	Size        uint64             `json:"size"`
	Headers     []HeaderRequest    `json:"headers"`
	Encryption  *EncryptionRequest `json:"encryption,omitempty"`
}

type TransferHandler struct {
	monitor  *monitor.Monitor
	queue    Queue
	history  storage.TransferHistoryReader
	root     string
	username string
	password string
}

// NewTransferHandler creates the transfer API. Destinations are resolved
// inside root. history may be nil. Basic auth is only enforced when a
// username is set.
func NewTransferHandler(mon *monitor.Monitor, queue Queue, history storage.TransferHistoryReader, root, username, password string) *TransferHandler {
	return &TransferHandler{
		monitor:  mon,
		queue:    queue,
		history:  history,
		root:     filepath.Clean(root),
		username: username,
		password: password,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(BasicAuth(h.username, h.password))
	}

	r.Get("/transfer", h.HandleStatus)
	r.Post("/transfer", h.HandleStart)
	r.Get("/transfer/{id}", h.HandleOutcome)
	r.Delete("/transfer/{id}", h.HandleStop)
	r.Get("/transfers", h.HandleHistory)

	return r
}

// HandleStatus reports the running transfer. With stale=1 it falls back to
// the last finished one.
func (h *TransferHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stale := r.URL.Query().Get("stale") == "1"

	status, ok := h.monitor.Status(stale)
	if !ok {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	resp := TransferStatus{
		ID:          uint32(status.ID),
		Type:        status.Type.String(),
		Destination: status.Destination,
		Expected:    status.Expected,
		ValidBytes:  status.DownloadProgress.ValidSize(),
		Progress:    status.ProgressEstimate(),
		Stalled:     status.Stalled,
		StartedAt:   status.Start,
		Done:        status.Done,
	}

	if status.Done {
		resp.Outcome = status.Outcome.String()
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleStart queues a transfer of a remote file into the destination.
func (h *TransferHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartTransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	job, err := h.buildJob(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := h.queue.Enqueue(job); err != nil {
		if errors.Is(err, transfer.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)

			return
		}

		logger.Error("failed to queue transfer", "err", err)
		http.Error(w, "failed to queue transfer", http.StatusInternalServerError)

		return
	}

	logger.Info("transfer queued", "destination", job.Destination, "url", job.Request.URL())

	w.Header().Set("Location", "/transfer")
	w.WriteHeader(http.StatusAccepted)
}

// HandleOutcome reports whether a transfer is running or how it ended. Old
// transfers are looked up in the history store.
func (h *TransferHandler) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if running, live := h.monitor.ID(); live && running == id {
		writeJSON(w, r, http.StatusOK, TransferOutcome{ID: uint32(id), Running: true})

		return
	}

	if outcome, found := h.monitor.Outcome(id); found {
		writeJSON(w, r, http.StatusOK, TransferOutcome{ID: uint32(id), Outcome: outcome.String()})

		return
	}

	if h.history == nil {
		http.Error(w, "transfer not found", http.StatusNotFound)

		return
	}

	rec, err := h.history.GetOutcome(r.Context(), uint32(id))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "transfer not found", http.StatusNotFound)

		return
	}

	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read transfer history", "transfer_id", id, "err", err)
		http.Error(w, "failed to read transfer history", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, TransferOutcome{ID: rec.ID, Outcome: rec.Outcome})
}

// HandleStop asks the running transfer to stop.
func (h *TransferHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if !h.monitor.SignalStop(id) {
		http.Error(w, "transfer is not running", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory lists the most recent finished transfers.
func (h *TransferHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, r, http.StatusOK, []storage.TransferRecord{})

		return
	}

	limit := 20

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = n
	}

	records, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list transfer history", "err", err)
		http.Error(w, "failed to list transfer history", http.StatusInternalServerError)

		return
	}

	if records == nil {
		records = []storage.TransferRecord{}
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *TransferHandler) buildJob(req StartTransferRequest) (transfer.Job, error) {
	dest, err := resolveDestination(h.root, req.Destination)
	if err != nil {
		return transfer.Job{}, err
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return transfer.Job{}, fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return transfer.Job{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return transfer.Job{}, errors.New("url must not carry a query")
	}

	var port uint64
	if p := u.Port(); p != "" {
		if port, err = strconv.ParseUint(p, 10, 16); err != nil {
			return transfer.Job{}, fmt.Errorf("invalid port %q", p)
		}
	}

	if req.Size == 0 {
		return transfer.Job{}, errors.New("size is required")
	}

	treq := transfer.Request{
		Host:     u.Hostname(),
		Port:     uint16(port),
		Path:     u.Path,
		TLS:      u.Scheme == "https",
		OrigSize: req.Size,
	}

	if req.Encryption != nil {
		enc, err := parseEncryption(*req.Encryption)
		if err != nil {
			return transfer.Job{}, err
		}

		treq.Encryption = enc
	}

	if len(req.Headers) > 0 {
		headers := make([]transfer.Header, 0, len(req.Headers))

		for _, hr := range req.Headers {
			if hr.Name == "" {
				return transfer.Job{}, errors.New("header name is required")
			}

			header := transfer.Header{Name: hr.Name, Value: transfer.StringValue(hr.Value)}
			if hr.SizeLimit != nil {
				header.SizeLimit, header.HasSizeLimit = *hr.SizeLimit, true
			}

			headers = append(headers, header)
		}

		treq.ExtraHeaders = transfer.StaticHeaders(headers...)
	}

	return transfer.Job{Type: monitor.Link, Destination: dest, Request: treq}, nil
}

// resolveDestination keeps destinations inside the storage root.
func resolveDestination(root, dest string) (string, error) {
	if dest == "" {
		return "", errors.New("destination is required")
	}

	full := filepath.Join(root, filepath.Clean("/"+dest))
	if full == root || !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid destination %q", dest)
	}

	return full, nil
}

func parseEncryption(req EncryptionRequest) (*transfer.Encryption, error) {
	var enc transfer.Encryption

	if err := decodeBlock(enc.Key[:], req.Key); err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	if err := decodeBlock(enc.Nonce[:], req.Nonce); err != nil {
		return nil, fmt.Errorf("invalid encryption nonce: %w", err)
	}

	return &enc, nil
}

func decodeBlock(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != decrypt.BlockSize {
		return fmt.Errorf("expected %d bytes, got %d", decrypt.BlockSize, len(b))
	}

	copy(dst, b)

	return nil
}

func parseID(w http.ResponseWriter, r *http.Request) (monitor.TransferID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)

		return 0, false
	}

	return monitor.TransferID(id), true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// BasicAuth rejects requests without the given credentials.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok {
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)

				return
			}

			if u != username || p != password {
				http.Error(w, "invalid username or password", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
