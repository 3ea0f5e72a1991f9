package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/manifest"
	"github.com/local/audiobooker/internal/queue"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/storage"
	"github.com/local/audiobooker/internal/store"
)

type recordingQueue struct {
	mu        sync.Mutex
	jobs      []queue.Job
	cancelled map[string]bool
	// failures is the number of Enqueue calls that fail before jobs are accepted
	failures int
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("redis: connection refused")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) failNext(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = n
}

func (q *recordingQueue) CancelBook(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[id] = true
	return nil
}

func (q *recordingQueue) ClearCancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelled, id)
	return nil
}

type apiEnv struct {
	srv *httptest.Server
	st  *store.Memory
	q   *recordingQueue
	dir string
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	artifacts, err := storage.NewLocal(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	q := &recordingQueue{cancelled: map[string]bool{}}
	s := NewServer(ServerDeps{
		Store:     st,
		Artifacts: artifacts,
		Fetcher:   &source.Fetcher{TempDir: dir},
		Queue:     q,
		UploadDir: filepath.Join(dir, "uploads"),
		MaxUpload: 1 << 20,
	})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, st: st, q: q, dir: dir}
}

func (e *apiEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *apiEnv) writePDF(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, []byte(testPDF+name), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSubmitStagesSourceAndQueues(t *testing.T) {
	e := newAPI(t)
	pdf := e.writePDF(t, "a.pdf")

	resp, body := e.post(t, "/books", `{"source_ref":"`+pdf+`","voice":"onyx"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%v", resp.StatusCode, body)
	}
	id, _ := source.BookID(pdf)
	if body["book_id"] != id {
		t.Fatalf("book_id = %v, want %s", body["book_id"], id)
	}
	if len(e.q.jobs) != 1 {
		t.Fatalf("jobs = %+v", e.q.jobs)
	}
	job := e.q.jobs[0]
	if job.BookID != id || job.Voice != "onyx" || !strings.HasPrefix(job.SourceRef, "file://") || !strings.HasSuffix(job.SourceRef, "source.pdf") {
		t.Fatalf("job = %+v", job)
	}
	rec, err := e.st.GetRecord(context.Background(), id)
	if err != nil || rec.Status != book.StatusQueued {
		t.Fatalf("record = %+v err=%v", rec, err)
	}

	// submitting the same content again does not schedule a second run
	resp, _ = e.post(t, "/books", `{"source_ref":"`+pdf+`"}`)
	if resp.StatusCode != http.StatusOK || len(e.q.jobs) != 1 {
		t.Fatalf("resubmit status=%d jobs=%d", resp.StatusCode, len(e.q.jobs))
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	e := newAPI(t)
	notPDF := filepath.Join(e.dir, "notes.pdf")
	if err := os.WriteFile(notPDF, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{`{"source_ref":"` + notPDF + `"}`, `{"source_ref":""}`, `not json`} {
		if resp, _ := e.post(t, "/books", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, resp.StatusCode)
		}
	}
	if len(e.q.jobs) != 0 {
		t.Fatalf("jobs = %+v", e.q.jobs)
	}
}

func TestUploadQueuesBook(t *testing.T) {
	e := newAPI(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.pdf")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(testPDF + "upload"))
	mw.WriteField("voice", "alloy")
	mw.Close()

	resp, err := http.Post(e.srv.URL+"/books/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(e.q.jobs) != 1 || e.q.jobs[0].Voice != "alloy" {
		t.Fatalf("jobs = %+v", e.q.jobs)
	}
	left, _ := filepath.Glob(filepath.Join(e.dir, "uploads", "*"))
	if len(left) != 0 {
		t.Fatalf("upload temp files left behind: %v", left)
	}
}

func TestGetListAndLogs(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.st.SaveRecord(ctx, book.Record{BookID: "b1", Title: "Tides", Status: book.StatusProcessing, CreatedAt: now})
	e.st.SaveChapters(ctx, "b1", []book.ChapterRecord{
		{ResolvedChapter: book.ResolvedChapter{Index: 1, StartPage: 1, EndPage: 5}, SummaryStatus: book.WorkDone, AudioStatus: book.WorkDone},
		{ResolvedChapter: book.ResolvedChapter{Index: 2, StartPage: 6, EndPage: 9}, SummaryStatus: book.WorkPending, AudioStatus: book.WorkPending},
	})
	e.st.AppendLog(ctx, "b1", book.LogEntry{Time: now, Stage: book.StageExtract, Status: "done", Message: "extract completed"})

	resp, err := http.Get(e.srv.URL + "/books/b1")
	if err != nil {
		t.Fatal(err)
	}
	var v BookView
	json.NewDecoder(resp.Body).Decode(&v)
	resp.Body.Close()
	if v.Title != "Tides" || len(v.Chapters) != 2 || v.Progress.Narrated != 1 || v.Progress.Pending != 1 {
		t.Fatalf("view = %+v", v)
	}

	resp, _ = http.Get(e.srv.URL + "/books")
	var list []BookView
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].Chapters != nil || list[0].Progress.Chapters != 2 {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = http.Get(e.srv.URL + "/books/b1/logs")
	var logs []book.LogEntry
	json.NewDecoder(resp.Body).Decode(&logs)
	resp.Body.Close()
	if len(logs) != 1 || logs[0].Stage != book.StageExtract {
		t.Fatalf("logs = %+v", logs)
	}

	resp, _ = http.Get(e.srv.URL + "/books/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing book status = %d", resp.StatusCode)
	}
}

func TestManifestFormats(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()

	resp, _ := http.Get(e.srv.URL + "/books/b1/manifest")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d before manifest exists", resp.StatusCode)
	}

	m := manifest.New(book.Record{BookID: "b1", Title: "Tides", PageCount: 3, Status: book.StatusCompleted})
	m.Append(manifest.Chapter{Index: 1, Title: "One", StartPage: 1, EndPage: 3})
	m.Finalize(time.Now())
	data, _ := m.JSON()
	e.st.SaveManifest(ctx, "b1", data)

	resp, _ = http.Get(e.srv.URL + "/books/b1/manifest?format=yaml")
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/yaml" || !strings.Contains(buf.String(), "title: Tides") {
		t.Fatalf("yaml manifest: %s", buf.String())
	}

	resp, _ = http.Get(e.srv.URL + "/books/b1/manifest")
	got, err := manifest.Parse(mustRead(t, resp))
	if err != nil || got.BookID != "b1" || len(got.Chapters) != 1 {
		t.Fatalf("json manifest = %+v err=%v", got, err)
	}
}

func mustRead(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCancelAndRetry(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	e.st.SaveRecord(ctx, book.Record{BookID: "b1", SourceRef: "file:///books/b1.pdf", Status: book.StatusProcessing, CreatedAt: time.Now()})

	resp, _ := e.post(t, "/books/b1/cancel", "")
	if resp.StatusCode != http.StatusAccepted || !e.q.cancelled["b1"] {
		t.Fatalf("cancel status=%d cancelled=%v", resp.StatusCode, e.q.cancelled)
	}

	resp, _ = e.post(t, "/books/b1/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry while processing: status = %d", resp.StatusCode)
	}

	store.UpdateRecord(ctx, e.st, "b1", func(r *book.Record) { r.Status = book.StatusPartial })
	resp, _ = e.post(t, "/books/b1/retry", `{"force":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
	if e.q.cancelled["b1"] {
		t.Fatal("retry must lift the cancellation")
	}
	if len(e.q.jobs) != 1 || !e.q.jobs[0].Force || e.q.jobs[0].SourceRef != "file:///books/b1.pdf" {
		t.Fatalf("jobs = %+v", e.q.jobs)
	}
	rec, _ := e.st.GetRecord(ctx, "b1")
	if rec.Status != book.StatusQueued {
		t.Fatalf("status = %s", rec.Status)
	}

	store.UpdateRecord(ctx, e.st, "b1", func(r *book.Record) { r.Status = book.StatusCompleted })
	if resp, _ := e.post(t, "/books/b1/cancel", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel of finished book: status = %d", resp.StatusCode)
	}
}

func TestEnqueueFailureDoesNotStrandBook(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	pdf := e.writePDF(t, "flaky.pdf")
	id, _ := source.BookID(pdf)

	e.q.failNext(1)
	resp, _ := e.post(t, "/books", `{"source_ref":"`+pdf+`"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}
	rec, err := e.st.GetRecord(ctx, id)
	if err != nil || rec.Status != book.StatusFailed || rec.Error == "" {
		t.Fatalf("record after failed enqueue = %+v err=%v", rec, err)
	}

	resp, _ = e.post(t, "/books", `{"source_ref":"`+pdf+`"}`)
	if resp.StatusCode != http.StatusAccepted || len(e.q.jobs) != 1 {
		t.Fatalf("resubmit status=%d jobs=%d", resp.StatusCode, len(e.q.jobs))
	}

	// a failed retry puts the previous status back
	store.UpdateRecord(ctx, e.st, id, func(r *book.Record) { r.Status = book.StatusPartial })
	e.q.failNext(1)
	if resp, _ := e.post(t, "/books/"+id+"/retry", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
	if rec, _ := e.st.GetRecord(ctx, id); rec.Status != book.StatusPartial {
		t.Fatalf("status after failed retry = %s", rec.Status)
	}
	if resp, _ := e.post(t, "/books/"+id+"/retry", ""); resp.StatusCode != http.StatusAccepted || len(e.q.jobs) != 2 {
		t.Fatalf("second retry status=%d jobs=%d", resp.StatusCode, len(e.q.jobs))
	}
}

func TestCoverAndChapterAudio(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	art, err := storage.NewLocal(filepath.Join(e.dir, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	coverRef, _ := art.Put(ctx, storage.Key("b1", "cover.jpg"), jpeg, "image/jpeg")
	audioRef, _ := art.Put(ctx, storage.Key("b1", "audio", "chapter-001.mp3"), []byte("ID3\x03\x00audio"), "audio/mpeg")

	e.st.SaveRecord(ctx, book.Record{BookID: "b1", CoverRef: coverRef, Status: book.StatusNeedsAttention})
	e.st.SaveRecord(ctx, book.Record{BookID: "b2", Status: book.StatusCompleted})
	e.st.SaveChapters(ctx, "b1", []book.ChapterRecord{
		{ResolvedChapter: book.ResolvedChapter{Index: 1}, AudioRef: audioRef, AudioStatus: book.WorkDone},
		{ResolvedChapter: book.ResolvedChapter{Index: 2}, AudioStatus: book.WorkFailed, Error: "HTTP 500"},
	})

	resp, _ := http.Get(e.srv.URL + "/books/b1/cover")
	if got := mustRead(t, resp); resp.StatusCode != http.StatusOK || !bytes.Equal(got, jpeg) || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("cover status=%d type=%s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	resp, _ = http.Get(e.srv.URL + "/books/b1/chapters/1/audio")
	if got := mustRead(t, resp); resp.StatusCode != http.StatusOK || !strings.HasSuffix(string(got), "audio") {
		t.Fatalf("audio status=%d body=%q", resp.StatusCode, got)
	}

	cases := map[string]int{
		"/books/b2/cover":            http.StatusNotFound,
		"/books/b1/chapters/2/audio": http.StatusNotFound,
		"/books/b1/chapters/9/audio": http.StatusNotFound,
		"/books/b1/chapters/x/audio": http.StatusBadRequest,
		"/books/nope/cover":          http.StatusNotFound,
	}
	for path, want := range cases {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestDeleteBook(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	pdf := e.writePDF(t, "gone.pdf")
	resp, body := e.post(t, "/books", `{"source_ref":"`+pdf+`"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	id := body["book_id"].(string)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/books/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := del(); code != http.StatusConflict {
		t.Fatalf("delete of queued book: status = %d", code)
	}

	store.UpdateRecord(ctx, e.st, id, func(r *book.Record) { r.Status = book.StatusCompleted })
	e.st.AppendLog(ctx, id, book.LogEntry{Stage: book.StageExtract, Status: "done"})
	e.st.SaveManifest(ctx, id, []byte(`{}`))
	if code := del(); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if _, err := e.st.GetRecord(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record still present: %v", err)
	}
	if _, err := e.st.GetManifest(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("manifest still present: %v", err)
	}
	if logs, _ := e.st.GetLogs(ctx, id); len(logs) != 0 {
		t.Fatalf("logs still present: %+v", logs)
	}
	if _, err := os.Stat(filepath.Join(e.dir, "artifacts", id)); !os.IsNotExist(err) {
		t.Fatalf("artifacts still present: %v", err)
	}
	if code := del(); code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", code)
	}
}
