package manager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"prometeo/internal/prometeoerr"
)

func byteSequenceServer(t *testing.T, total int, acceptRanges string) *httptest.Server {
	t.Helper()
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if acceptRanges != "" {
			w.Header().Set("Accept-Ranges", acceptRanges)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", total))
			w.Write(data)
			return
		}
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= total {
			end = total - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func TestManager_DownloadRejectsNonRangeOrigin(t *testing.T) {
	srv := byteSequenceServer(t, 1000, "none")
	defer srv.Close()

	dir := t.TempDir()
	mgr, err := New(WithTempDir(filepath.Join(dir, "tmp")), WithConnections(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = mgr.Download(context.Background(), DownloadRequest{URL: srv.URL + "/file.bin", Path: dir})
	if err == nil {
		t.Fatalf("expected an error for a non-range-capable origin")
	}
	if !prometeoerr.IsKind(err, prometeoerr.KindBadURL) {
		t.Fatalf("expected BadURLError, got %v", err)
	}
}

func TestManager_DownloadEndToEnd(t *testing.T) {
	const size = 2000
	srv := byteSequenceServer(t, size, "bytes")
	defer srv.Close()

	dir := t.TempDir()
	mgr, err := New(WithTempDir(filepath.Join(dir, "tmp")), WithConnections(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	destDir := filepath.Join(dir, "downloads")
	dl, err := mgr.Download(context.Background(), DownloadRequest{URL: srv.URL + "/archive.bin", Path: destDir})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	dest, err := dl.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if len(data) != size {
		t.Fatalf("expected %d bytes, got %d", size, len(data))
	}

	if _, ok := mgr.GetDownload(dl.Name(), ""); ok {
		t.Fatalf("expected the finished download to be forgotten")
	}
}

func TestManager_DownloadRejectsExistingDestination(t *testing.T) {
	srv := byteSequenceServer(t, 500, "bytes")
	defer srv.Close()

	dir := t.TempDir()
	mgr, err := New(WithTempDir(filepath.Join(dir, "tmp")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	destDir := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(destDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "file.bin"), []byte("existing"), 0644); err != nil {
		t.Fatalf("seed existing destination: %v", err)
	}

	_, err = mgr.Download(context.Background(), DownloadRequest{URL: srv.URL + "/file.bin", Path: destDir})
	if err == nil {
		t.Fatalf("expected an error for a pre-existing destination")
	}
	if !prometeoerr.IsKind(err, prometeoerr.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestManager_GetDownloadMatchesByNameOrURL(t *testing.T) {
	srv := byteSequenceServer(t, 500, "bytes")
	defer srv.Close()

	dir := t.TempDir()
	mgr, err := New(WithTempDir(filepath.Join(dir, "tmp")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dl, err := mgr.Download(context.Background(), DownloadRequest{URL: srv.URL + "/thing.bin", Path: dir})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if got, ok := mgr.GetDownload(dl.Name(), ""); !ok || got != dl {
		t.Fatalf("expected lookup by filename alone to match")
	}
	if got, ok := mgr.GetDownload("", dl.URL()); !ok || got != dl {
		t.Fatalf("expected lookup by url alone to match")
	}
	if _, ok := mgr.GetDownload("nope", "http://nope.invalid"); ok {
		t.Fatalf("expected no match for unrelated filename and url")
	}
}

func TestManager_ResumeGarbageCollectsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	badDir := filepath.Join(tempDir, "broken")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "prometeo.config"), []byte("not valid hex json"), 0644); err != nil {
		t.Fatalf("seed broken manifest: %v", err)
	}

	mgr, err := New(WithTempDir(tempDir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	downloads, err := mgr.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(downloads) != 0 {
		t.Fatalf("expected no resumable downloads, got %d", len(downloads))
	}
	if _, err := os.Stat(badDir); !os.IsNotExist(err) {
		t.Fatalf("expected broken work directory to be garbage-collected")
	}
}
