package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestDetectKindPNG(t *testing.T) {
	path := writeTempFile(t, "input", pngBytes(t))

	kind, mime, err := detectKind(path)
	if err != nil {
		t.Fatalf("detectKind returned error: %v", err)
	}
	if kind != KindImage {
		t.Fatalf("unexpected kind: %s", kind)
	}
	if mime.String() != "image/png" {
		t.Fatalf("unexpected mime: %s", mime.String())
	}
}

func TestDetectKindJPEG(t *testing.T) {
	buf := &bytes.Buffer{}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	if err := jpeg.Encode(buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	path := writeTempFile(t, "input", buf.Bytes())

	kind, mime, err := detectKind(path)
	if err != nil {
		t.Fatalf("detectKind returned error: %v", err)
	}
	if kind != KindImage {
		t.Fatalf("unexpected kind: %s", kind)
	}
	if mime.String() != "image/jpeg" {
		t.Fatalf("unexpected mime: %s", mime.String())
	}
}

func TestDetectKindMP4(t *testing.T) {
	// ftypボックスだけの最小のMP4ヘッダー
	data := append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypisom")...)
	data = append(data, 0x00, 0x00, 0x02, 0x00)
	data = append(data, []byte("isomiso2mp41")...)
	path := writeTempFile(t, "input", data)

	kind, _, err := detectKind(path)
	if err != nil {
		t.Fatalf("detectKind returned error: %v", err)
	}
	if kind != KindVideo {
		t.Fatalf("unexpected kind: %s", kind)
	}
}

func TestDetectKindUnsupported(t *testing.T) {
	path := writeTempFile(t, "input", []byte("just some text, not media"))

	_, _, err := detectKind(path)
	if err == nil {
		t.Fatal("expected error for unsupported content")
	}
	var mediaErr *Error
	if !errors.As(err, &mediaErr) || mediaErr.Code != "INPUT_INVALID" {
		t.Fatalf("unexpected error: %v", err)
	}
}
