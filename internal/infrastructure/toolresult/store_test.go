package toolresult

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
)

func newTestStore(t *testing.T) (*Store, *runtime.Settings) {
	t.Helper()
	settings, err := runtime.NewSettings(runtime.Options{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	return NewStore(settings), settings
}

func TestNormalize_TextBytes(t *testing.T) {
	store, _ := newTestStore(t)

	n := store.Normalize([]byte("hello"))
	if n.IsBinary || n.Text != "hello" || n.Mime != "text/plain; charset=utf-8" || n.Ext != "txt" {
		t.Errorf("text bytes normalized wrong: %+v", n)
	}
}

func TestNormalize_BinaryBytes(t *testing.T) {
	store, _ := newTestStore(t)

	raw := []byte{0xff, 0xfe, 0x00, 0x80}
	n := store.Normalize(raw)
	if !n.IsBinary {
		t.Fatal("invalid UTF-8 should be binary")
	}
	if n.Mime != "application/octet-stream" || n.Ext != "bin" {
		t.Errorf("binary mime/ext wrong: %s %s", n.Mime, n.Ext)
	}
	if !strings.Contains(n.Text, "binary 4 bytes") {
		t.Errorf("binary placeholder text wrong: %q", n.Text)
	}
}

func TestNormalize_MapAndSlice(t *testing.T) {
	store, _ := newTestStore(t)

	n := store.Normalize(map[string]any{"ok": true})
	if n.Mime != "application/json" || n.Ext != "json" {
		t.Errorf("map should be JSON: %+v", n)
	}

	n = store.Normalize([]any{"a", "b"})
	if n.Mime != "application/json" {
		t.Errorf("slice should be JSON: %+v", n)
	}
}

func TestNormalize_JSONLookingString(t *testing.T) {
	store, _ := newTestStore(t)

	n := store.Normalize(`{"already":"json"}`)
	if n.Mime != "application/json" {
		t.Errorf("JSON-looking text should get JSON mime, got %s", n.Mime)
	}

	n = store.Normalize(`{broken json}`)
	if n.Mime != "text/plain; charset=utf-8" {
		t.Errorf("invalid JSON text should stay plain, got %s", n.Mime)
	}

	n = store.Normalize("plain words")
	if n.Mime != "text/plain; charset=utf-8" {
		t.Errorf("plain text mime wrong: %s", n.Mime)
	}
}

func TestNormalize_Nil(t *testing.T) {
	store, _ := newTestStore(t)
	n := store.Normalize(nil)
	if n.Text != "" || n.BytesSize() != 0 || n.IsBinary {
		t.Errorf("nil result normalized wrong: %+v", n)
	}
}

func TestSanitizeSegment(t *testing.T) {
	cases := []struct{ in, want string }{
		{"trace_123", "trace_123"},
		{"a/b\\c", "a_b_c"},
		{"..hidden..", "hidden"},
		{"", "unknown"},
		{"###", "unknown"},
	}
	for _, tc := range cases {
		if got := SanitizeSegment(tc.in); got != tc.want {
			t.Errorf("SanitizeSegment(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPreview(t *testing.T) {
	store, _ := newTestStore(t)

	text := strings.Repeat("a", 600)
	preview, truncated := store.Preview(text, 500)
	if len(preview) != 500 || !truncated {
		t.Errorf("preview: len=%d truncated=%v", len(preview), truncated)
	}

	preview, truncated = store.Preview("short", 500)
	if preview != "short" || truncated {
		t.Errorf("short preview should pass through: %q %v", preview, truncated)
	}
}

func TestPersist_WritesFileWithHash(t *testing.T) {
	store, settings := newTestStore(t)

	payload := strings.Repeat("data", 100)
	n := store.Normalize(payload)

	ref, err := store.Persist("trace_1", "turn_1", "step_1", "call_1", n)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	fullPath := filepath.Join(settings.WorkspaceRoot(), filepath.FromSlash(ref.Path))
	raw, err := os.ReadFile(fullPath)
	if err != nil {
		t.Fatalf("ref file missing: %v", err)
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		t.Error("sha256 does not match file bytes")
	}
	if ref.ID != "ref_"+ref.SHA256[:16] {
		t.Errorf("ref id shape wrong: %s", ref.ID)
	}
	if ref.Bytes != len(raw) {
		t.Errorf("ref bytes = %d, file = %d", ref.Bytes, len(raw))
	}
	if !strings.HasPrefix(ref.Path, "data/tool_results/trace_1/turn_1/step_1/") {
		t.Errorf("ref path layout wrong: %s", ref.Path)
	}
	if !strings.HasPrefix(filepath.Base(ref.Path), "call_1_") {
		t.Errorf("ref filename should start with the call id: %s", ref.Path)
	}
}

func TestPersist_UniqueFilenamesAcrossRetries(t *testing.T) {
	store, _ := newTestStore(t)

	n := store.Normalize("same payload")
	ref1, err := store.Persist("t", "u", "s", "call_x", n)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	ref2, err := store.Persist("t", "u", "s", "call_x", n)
	if err != nil {
		t.Fatalf("persist retry: %v", err)
	}
	if ref1.Path == ref2.Path {
		t.Error("retried persist must not collide on filename")
	}
}
