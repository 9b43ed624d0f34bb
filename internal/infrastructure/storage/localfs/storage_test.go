package localfs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

func TestSaveOpenDeleteRoundTrip(t *testing.T) {
	storage, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	key := "recordings/subject_p1/session_s1/audio.webm"

	n, err := storage.Save(ctx, key, strings.NewReader("opus-bytes"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if n != int64(len("opus-bytes")) {
		t.Fatalf("expected %d bytes, got %d", len("opus-bytes"), n)
	}

	rc, err := storage.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	raw, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(raw) != "opus-bytes" {
		t.Fatalf("unexpected content %q", raw)
	}

	if err := storage.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := storage.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete() must be a no-op, got %v", err)
	}
	if _, err := storage.Open(ctx, key); !domain.IsKind(err, domain.ErrAudioNotFound) {
		t.Fatalf("expected ErrAudioNotFound after delete, got %v", err)
	}
}

func TestSaveRejectsEscapingKeys(t *testing.T) {
	storage, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, key := range []string{"../outside.webm", "/etc/passwd", "a/../../b"} {
		if _, err := storage.Save(context.Background(), key, strings.NewReader("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", key, err)
		}
	}
}
