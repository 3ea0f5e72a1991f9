package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalPDF = "%PDF-1.4\n1 0 obj<<>>endobj\ntrailer<<>>\n%%EOF\n"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFetchLocalPath(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.pdf", minimalPDF)
	f := &Fetcher{}
	loc, err := f.Fetch(context.Background(), "file://"+p)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer loc.Release()
	if loc.Path != p {
		t.Fatalf("expected %s, got %s", p, loc.Path)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("release must not delete caller files: %v", err)
	}
}

func TestFetchRejectsNonPDF(t *testing.T) {
	p := writeFile(t, t.TempDir(), "fake.pdf", "just some text, not a pdf")
	_, err := (&Fetcher{}).Fetch(context.Background(), p)
	if !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}

func TestFetchHTTPDownloadsToTemp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(minimalPDF))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := &Fetcher{HTTP: srv.Client(), TempDir: dir}
	loc, err := f.Fetch(context.Background(), srv.URL+"/book.pdf#page=3")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Dir(loc.Path) != dir {
		t.Fatalf("expected temp file in %s, got %s", dir, loc.Path)
	}
	loc.Release()
	if _, err := os.Stat(loc.Path); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err=%v", err)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing.pdf"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestSplitS3(t *testing.T) {
	b, k, err := SplitS3("s3://bucket/books/a.pdf")
	if err != nil || b != "bucket" || k != "books/a.pdf" {
		t.Fatalf("got %q %q %v", b, k, err)
	}
	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		if _, _, err := SplitS3(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBookIDIsContentHash(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf", minimalPDF)
	b := writeFile(t, dir, "b.pdf", minimalPDF)
	c := writeFile(t, dir, "c.pdf", minimalPDF+"x")
	idA, _ := BookID(a)
	idB, _ := BookID(b)
	idC, _ := BookID(c)
	if idA == "" || idA != idB {
		t.Fatalf("same content should give same id: %q %q", idA, idB)
	}
	if idA == idC {
		t.Fatalf("different content should give different ids")
	}
	if len(idA) != 24 {
		t.Fatalf("unexpected id length %d", len(idA))
	}
}

func TestCleanupTemps(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, tempPrefix+"old.pdf", "x")
	fresh := writeFile(t, dir, tempPrefix+"new.pdf", "x")
	other := writeFile(t, dir, "keep.pdf", "x")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, past, past); err != nil {
		t.Fatal(err)
	}
	if n := CleanupTemps(dir, time.Hour); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old temp not removed")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should remain: %v", p, err)
		}
	}
}
