package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileWritesWithoutRotatingBelowLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rf, err := OpenRotatingFile(path, 1024, 3)
	if err != nil {
		t.Fatalf("OpenRotatingFile: %v", err)
	}
	defer rf.Close()

	if _, err := rf.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Fatal("expected no rotation to have happened yet")
	}
}

func TestRotatingFileRotatesOnOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rf, err := OpenRotatingFile(path, 10, 3)
	if err != nil {
		t.Fatalf("OpenRotatingFile: %v", err)
	}
	defer rf.Close()

	if _, err := rf.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// This write would push the file past maxBytes, forcing a rotation first.
	if _, err := rf.Write([]byte("abcde")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("expected a .1 backup after rotation: %v", err)
	}
	if string(backup) != "0123456789" {
		t.Fatalf("backup contents = %q, want the pre-rotation data", backup)
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if string(current) != "abcde" {
		t.Fatalf("current contents = %q, want only the post-rotation write", current)
	}
}

func TestRotatingFileShiftsBackupsUpToMaxBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rf, err := OpenRotatingFile(path, 5, 2)
	if err != nil {
		t.Fatalf("OpenRotatingFile: %v", err)
	}
	defer rf.Close()

	for _, chunk := range []string{"aaaaaa", "bbbbbb", "cccccc"} {
		if _, err := rf.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write(%q): %v", chunk, err)
		}
	}

	got1, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read .1: %v", err)
	}
	got2, err := os.ReadFile(path + ".2")
	if err != nil {
		t.Fatalf("read .2: %v", err)
	}
	if string(got1) != "bbbbbb" {
		t.Fatalf(".1 = %q, want bbbbbb (the most recently rotated-out file)", got1)
	}
	if string(got2) != "aaaaaa" {
		t.Fatalf(".2 = %q, want aaaaaa (shifted down from .1)", got2)
	}
}

func TestOpenRotatingFileResumesExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rf, err := OpenRotatingFile(path, 12, 3)
	if err != nil {
		t.Fatalf("OpenRotatingFile: %v", err)
	}
	defer rf.Close()

	// Only 2 bytes of headroom remain before the 12-byte cap; this write
	// should trigger a rotation rather than silently exceeding the limit.
	if _, err := rf.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotation to preserve the pre-existing content: %v", err)
	}
}
