package message

import (
	"io"
	"os"
	"strings"
	"testing"
)

func readAllTwice(t *testing.T, r Restartable) (string, string) {
	t.Helper()
	first, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read first pass: %v", err)
	}
	if err := r.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read second pass: %v", err)
	}
	return string(first), string(second)
}

func TestSpillRestartableMemory(t *testing.T) {
	data := strings.Repeat("a", 100)
	r, err := NewSpillRestartable(strings.NewReader(data), 1000, t.TempDir())
	if err != nil {
		t.Fatalf("new spill restartable: %v", err)
	}
	defer r.Close()

	if _, ok := r.(*bytesRestartable); !ok {
		t.Fatalf("expected an in-memory restartable for a body under the threshold, got %T", r)
	}

	first, second := readAllTwice(t, r)
	if first != data || second != data {
		t.Fatalf("got %q / %q, expected %q both passes", first, second, data)
	}
}

func TestSpillRestartableDisk(t *testing.T) {
	dir := t.TempDir()
	data := strings.Repeat("b", 100)
	r, err := NewSpillRestartable(strings.NewReader(data), 10, dir)
	if err != nil {
		t.Fatalf("new spill restartable: %v", err)
	}

	fr, ok := r.(*fileRestartable)
	if !ok {
		t.Fatalf("expected a file-backed restartable for a body over the threshold, got %T", r)
	}
	name := fr.f.Name()
	if _, err := os.Stat(name); err != nil {
		t.Fatalf("spill file missing: %v", err)
	}

	first, second := readAllTwice(t, r)
	if first != data || second != data {
		t.Fatalf("got %q / %q, expected %q both passes", first, second, data)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatalf("expected spill file to be removed after close, stat err = %v", err)
	}
}

func TestSpillRestartableExceedsLimit(t *testing.T) {
	dir := t.TempDir()
	r, err := NewSpillRestartable(strings.NewReader(strings.Repeat("c", 100)), 10, dir)
	if err != nil {
		t.Fatalf("new spill restartable: %v", err)
	}
	defer r.Close()

	fr := r.(*fileRestartable)
	fr.lim.Limit = 5

	buf := make([]byte, 100)
	_, err = fr.Read(buf)
	if err == nil {
		t.Fatalf("expected a limit error reading beyond the capped size, got nil")
	}
}
