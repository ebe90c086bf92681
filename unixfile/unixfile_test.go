package unixfile

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestCloseWithoutFlushWarns(t *testing.T) {
	buf := captureLog(t)
	gf, err := Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gf.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := gf.Close(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "closed without flush") {
		t.Errorf("no warning logged: %q", buf.String())
	}
}

func TestFlushedCloseIsQuiet(t *testing.T) {
	buf := captureLog(t)
	gf, err := Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	gf.Write([]byte("data"))
	if err := gf.FlushClose(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %q", buf.String())
	}
}

func TestWriteAfterFlushDemotes(t *testing.T) {
	buf := captureLog(t)
	gf, err := Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	gf.Write([]byte("one"))
	if err := gf.Flush(); err != nil {
		t.Fatal(err)
	}
	gf.Write([]byte("two"))
	gf.Close()
	if !strings.Contains(buf.String(), "closed without flush") {
		t.Error("write after flush did not re-arm the guard")
	}
}

func TestReadOnlyIsExempt(t *testing.T) {
	buf := captureLog(t)
	path := filepath.Join(t.TempDir(), "in")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	gf, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	p := make([]byte, 7)
	if _, err := gf.Read(p); err != nil {
		t.Fatal(err)
	}
	gf.Close()
	if buf.Len() != 0 {
		t.Errorf("read-only close logged: %q", buf.String())
	}
}

func TestTruncateDemotes(t *testing.T) {
	buf := captureLog(t)
	gf, err := Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	gf.Write([]byte("payload"))
	gf.Flush()
	if err := gf.Truncate(3); err != nil {
		t.Fatal(err)
	}
	gf.Close()
	if !strings.Contains(buf.String(), "closed without flush") {
		t.Error("truncate did not re-arm the guard")
	}
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	content := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := Open(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	dst, err := Create(filepath.Join(dir, "dst"))
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Copy(src, int64(len(content))); err != nil {
		t.Fatal(err)
	}
	if err := dst.FlushClose(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "dst"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("copied %d bytes, want %d", len(got), len(content))
	}
}

func TestOpenLockedExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	gf, err := OpenLocked(path)
	if err != nil {
		t.Fatal(err)
	}

	other := flock.New(path + ".lock")
	locked, err := other.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		other.Unlock()
		t.Fatal("second lock acquired while held")
	}

	gf.Write([]byte("data"))
	if err := gf.FlushClose(); err != nil {
		t.Fatal(err)
	}

	locked, err = other.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("lock not released by close")
	}
	other.Unlock()
}
