// Package source resolves a book reference to a local PDF file.
package source

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const tempPrefix = "bookdl-"

var ErrNotPDF = errors.New("source is not a PDF")

// ObjectOpener streams objects from a bucket. *storage.S3 satisfies it.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Fetcher materializes file://, http(s):// and s3:// refs on disk.
type Fetcher struct {
	HTTP    *http.Client
	S3      ObjectOpener
	TempDir string
}

// Local is a fetched PDF. Release removes any temporary copy.
type Local struct {
	Path string
	tmp  string
}

func (l Local) Release() {
	if l.tmp != "" {
		_ = os.Remove(l.tmp)
	}
}

// Fetch returns a local path for ref and checks that it holds a PDF.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (Local, error) {
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	var (
		loc Local
		err error
	)
	switch {
	case strings.HasPrefix(ref, "file://"):
		loc.Path = strings.TrimPrefix(ref, "file://")
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		loc.Path, err = f.downloadHTTP(ctx, ref)
		loc.tmp = loc.Path
	case strings.HasPrefix(ref, "s3://"):
		loc.Path, err = f.downloadS3(ctx, ref)
		loc.tmp = loc.Path
	default:
		loc.Path = ref
	}
	if err != nil {
		loc.Release()
		return Local{}, err
	}
	if err := CheckPDF(loc.Path); err != nil {
		loc.Release()
		return Local{}, err
	}
	return loc, nil
}

// CheckPDF sniffs magic bytes rather than trusting the file name.
func CheckPDF(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect file type: %w", err)
	}
	if !mt.Is("application/pdf") {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mt.String())
	}
	return nil
}

func (f *Fetcher) createTemp() (*os.File, error) {
	return os.CreateTemp(f.TempDir, tempPrefix+"*.pdf")
}

func (f *Fetcher) downloadHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	cli := f.HTTP
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	return f.copyToTemp(resp.Body)
}

func (f *Fetcher) downloadS3(ctx context.Context, ref string) (string, error) {
	bucket, key, err := SplitS3(ref)
	if err != nil {
		return "", err
	}
	if f.S3 == nil {
		return "", fmt.Errorf("s3 ref %s but no s3 client configured", ref)
	}
	body, err := f.S3.Open(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	p, err := f.copyToTemp(body)
	if err == nil {
		log.Info().Str("bucket", bucket).Str("key", key).Str("file", filepath.Base(p)).Msg("downloaded s3 pdf to temp")
	}
	return p, err
}

func (f *Fetcher) copyToTemp(r io.Reader) (string, error) {
	out, err := f.createTemp()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// SplitS3 parses s3://bucket/key.
func SplitS3(ref string) (bucket, key string, err error) {
	p := strings.TrimPrefix(ref, "s3://")
	slash := strings.Index(p, "/")
	if slash <= 0 || slash == len(p)-1 {
		return "", "", fmt.Errorf("invalid s3 url: %s", ref)
	}
	return p[:slash], p[slash+1:], nil
}

// BookID derives a stable identifier from the file contents so the same
// PDF always maps to the same book.
func BookID(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:24], nil
}

// CleanupTemps removes downloaded PDFs older than maxAge.
func CleanupTemps(dir string, maxAge time.Duration) int {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= maxAge {
			if os.Remove(filepath.Join(dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
