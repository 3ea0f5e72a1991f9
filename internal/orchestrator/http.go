package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/manifest"
	"github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/queue"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/statuscheck"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
)

// Queue schedules book jobs for the workers.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	CancelBook(ctx context.Context, bookID string) error
	ClearCancel(ctx context.Context, bookID string) error
}

type StatusChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type ServerDeps struct {
	Store     store.Store
	Artifacts storage.Storage
	Fetcher   SourceFetcher
	Queue     Queue
	Checker   StatusChecker
	UploadDir string
	MaxUpload int64
}

// Server is the HTTP API for submitting and inspecting books.
type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.UploadDir == "" {
		deps.UploadDir = "data/uploads"
	}
	if deps.MaxUpload <= 0 {
		deps.MaxUpload = 200 << 20
	}
	return &Server{deps: deps}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /books", s.handleSubmit)
	mux.HandleFunc("POST /books/upload", s.handleUpload)
	mux.HandleFunc("GET /books", s.handleList)
	mux.HandleFunc("GET /books/{id}", s.handleGet)
	mux.HandleFunc("GET /books/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /books/{id}/manifest", s.handleManifest)
	mux.HandleFunc("POST /books/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /books/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /books/{id}", s.handleDelete)
	mux.HandleFunc("GET /books/{id}/cover", s.handleCover)
	mux.HandleFunc("GET /books/{id}/chapters/{n}/audio", s.handleChapterAudio)
}

type submitReq struct {
	SourceRef string `json:"source_ref"`
	Voice     string `json:"voice"`
	Force     bool   `json:"force"`
}

type submitResp struct {
	BookID  string      `json:"book_id"`
	Status  book.Status `json:"status"`
	Message string      `json:"message"`
}

// BookView is a book record with its processing summary.
type BookView struct {
	book.Record
	Progress book.Progress        `json:"progress"`
	Chapters []book.ChapterRecord `json:"chapters,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if req.SourceRef == "" {
		httpError(w, http.StatusBadRequest, "missing source_ref")
		return
	}
	s.submit(w, r.Context(), req)
}

// handleUpload accepts multipart/form-data with a "file" field and an
// optional "voice".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.deps.UploadDir, 0o755); err != nil {
		httpError(w, http.StatusInternalServerError, "cannot create upload dir")
		return
	}
	out, err := os.CreateTemp(s.deps.UploadDir, "upload-*.pdf")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot save upload")
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(out.Name())
		httpError(w, http.StatusInternalServerError, "write failed")
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		httpError(w, http.StatusInternalServerError, "write failed")
		return
	}
	if s.deps.Artifacts != nil {
		// the source is copied into artifact storage during submit
		defer os.Remove(out.Name())
	}
	s.submit(w, r.Context(), submitReq{SourceRef: out.Name(), Voice: r.FormValue("voice"), Force: r.FormValue("force") == "true"})
}

func (s *Server) submit(w http.ResponseWriter, ctx context.Context, req submitReq) {
	local, err := s.deps.Fetcher.Fetch(ctx, req.SourceRef)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, source.ErrNotPDF) || errors.Is(err, os.ErrNotExist) {
			code = http.StatusBadRequest
		}
		httpError(w, code, err.Error())
		return
	}
	defer local.Release()

	bookID, err := source.BookID(local.Path)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sourceRef := req.SourceRef
	if s.deps.Artifacts != nil {
		data, err := os.ReadFile(local.Path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sourceRef, err = s.deps.Artifacts.Put(ctx, storage.Key(bookID, "source.pdf"), data, "application/pdf"); err != nil {
			httpError(w, http.StatusBadGateway, "failed to stage source")
			return
		}
	}

	var (
		rec     book.Record
		prev    *book.Record
		enqueue = true
	)
	err = s.deps.Store.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		existing, err := s.deps.Store.GetRecord(ctx, bookID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = book.Record{BookID: bookID, CreatedAt: time.Now().UTC()}
		case err != nil:
			return err
		case existing.Status == book.StatusQueued || existing.Status == book.StatusProcessing:
			rec, enqueue = existing, false
			return nil
		case existing.Status == book.StatusCompleted && !req.Force:
			rec, enqueue = existing, false
			return nil
		}
		if err == nil {
			before := existing
			prev = &before
		}
		existing.SourceRef = sourceRef
		if req.Voice != "" {
			existing.Voice = req.Voice
		}
		existing.Status = book.StatusQueued
		existing.UpdatedAt = time.Now().UTC()
		rec = existing
		return s.deps.Store.SaveRecord(ctx, existing)
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !enqueue {
		writeJSON(w, http.StatusOK, submitResp{BookID: bookID, Status: rec.Status, Message: "book already known"})
		return
	}
	if err := s.schedule(ctx, rec, req.Force); err != nil {
		s.unschedule(ctx, bookID, prev, err)
		httpError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	log.Info().Str("book_id", bookID).Str("source", sourceRef).Msg("book queued")
	writeJSON(w, http.StatusAccepted, submitResp{BookID: bookID, Status: book.StatusQueued, Message: "book queued"})
}

func (s *Server) schedule(ctx context.Context, rec book.Record, force bool) error {
	if err := s.deps.Queue.ClearCancel(ctx, rec.BookID); err != nil {
		return err
	}
	return s.deps.Queue.Enqueue(ctx, queue.Job{
		BookID:    rec.BookID,
		RunID:     uuid.NewString(),
		SourceRef: rec.SourceRef,
		Voice:     rec.Voice,
		Force:     force,
		Attempt:   1,
	})
}

// unschedule reverts a queued status whose job never reached the queue so
// the book can be submitted or retried again. A book without a previous
// record is marked failed.
func (s *Server) unschedule(ctx context.Context, bookID string, prev *book.Record, cause error) {
	log.Error().Err(cause).Str("book_id", bookID).Msg("enqueue failed")
	_, err := store.UpdateRecord(context.WithoutCancel(ctx), s.deps.Store, bookID, func(rec *book.Record) {
		if prev != nil {
			rec.Status = prev.Status
			rec.Error = prev.Error
		} else {
			rec.Status = book.StatusFailed
			rec.Error = "enqueue failed: " + cause.Error()
		}
		rec.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		log.Error().Err(err).Str("book_id", bookID).Msg("failed to revert queued status")
	}
}

func (s *Server) view(ctx context.Context, rec book.Record, withChapters bool) BookView {
	chs, err := s.deps.Store.GetChapters(ctx, rec.BookID)
	if err != nil {
		log.Warn().Err(err).Str("book_id", rec.BookID).Msg("failed to load chapters")
	}
	v := BookView{Record: rec, Progress: book.Tally(chs)}
	if withChapters {
		v.Chapters = chs
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListRecords(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]BookView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(r.Context(), rec, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(r.Context(), rec, true))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	logs, err := s.deps.Store.GetLogs(r.Context(), rec.BookID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.deps.Store.GetManifest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "manifest not available")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
		m, err := manifest.Parse(data)
		if err == nil {
			data, err = m.YAML()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	if rec.Status.Terminal() {
		httpError(w, http.StatusConflict, fmt.Sprintf("book is already %s", rec.Status))
		return
	}
	if err := s.deps.Queue.CancelBook(r.Context(), rec.BookID); err != nil {
		httpError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	log.Info().Str("book_id", rec.BookID).Msg("cancellation requested")
	writeJSON(w, http.StatusAccepted, submitResp{BookID: rec.BookID, Status: rec.Status, Message: "cancellation requested"})
}

type retryReq struct {
	Force bool `json:"force"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	var req retryReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if rec.Status == book.StatusProcessing || rec.Status == book.StatusQueued {
		httpError(w, http.StatusConflict, fmt.Sprintf("book is %s", rec.Status))
		return
	}
	prev := rec
	rec, err := store.UpdateRecord(r.Context(), s.deps.Store, rec.BookID, func(rec *book.Record) {
		rec.Status = book.StatusQueued
		rec.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.schedule(r.Context(), rec, req.Force); err != nil {
		s.unschedule(r.Context(), rec.BookID, &prev, err)
		httpError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{BookID: rec.BookID, Status: book.StatusQueued, Message: "retry queued"})
}

// handleDelete removes a book's state and artifacts. Queued or running
// books must be cancelled first.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Store.WithBookLock(r.Context(), id, func(ctx context.Context) error {
		rec, err := s.deps.Store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == book.StatusProcessing || rec.Status == book.StatusQueued {
			return fmt.Errorf("%w: book is %s", errBusy, rec.Status)
		}
		if s.deps.Artifacts != nil {
			if err := s.deps.Artifacts.DeletePrefix(ctx, id); err != nil {
				return fmt.Errorf("delete artifacts: %w", err)
			}
		}
		return s.deps.Store.DeleteBook(ctx, id)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "book not found")
		return
	case errors.Is(err, errBusy):
		httpError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("book_id", id).Msg("book deleted")
	writeJSON(w, http.StatusOK, map[string]string{"book_id": id, "message": "book deleted"})
}

var errBusy = errors.New("book is busy")

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	if rec.CoverRef == "" {
		httpError(w, http.StatusNotFound, "book has no cover")
		return
	}
	s.serveArtifact(w, r, storage.Key(rec.BookID, "cover.jpg"))
}

func (s *Server) handleChapterAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		httpError(w, http.StatusBadRequest, "invalid chapter number")
		return
	}
	chs, err := s.deps.Store.GetChapters(r.Context(), rec.BookID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, ch := range chs {
		if ch.Index != n {
			continue
		}
		if ch.AudioStatus != book.WorkDone || ch.AudioRef == "" {
			httpError(w, http.StatusNotFound, fmt.Sprintf("chapter %d has no audio", n))
			return
		}
		// audio lives under <book_id>/audio/ with the file name of its ref
		s.serveArtifact(w, r, storage.Key(rec.BookID, "audio", path.Base(ch.AudioRef)))
		return
	}
	httpError(w, http.StatusNotFound, "chapter not found")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, key string) {
	if s.deps.Artifacts == nil {
		httpError(w, http.StatusNotImplemented, "artifact storage not configured")
		return
	}
	data, err := s.deps.Artifacts.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		httpError(w, http.StatusNotImplemented, "status checks not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Checker.Summary(r.Context()))
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) (book.Record, bool) {
	rec, err := s.deps.Store.GetRecord(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "book not found")
		return book.Record{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return book.Record{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
