package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{200, 120, 0, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(w, h)); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func TestThumbnailDownscales(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1024, 512, 256, 128},
		{"portrait", 300, 900, 85, 256},
		{"small stays", 64, 48, 64, 48},
	}

	for _, tt := range tests {
		data, mime, err := Thumbnail(bytes.NewReader(encodePNG(t, tt.w, tt.h)))
		if err != nil {
			t.Fatalf("%s: Thumbnail: %v", tt.name, err)
		}
		if mime != "image/jpeg" {
			t.Errorf("%s: expected image/jpeg, got %s", tt.name, mime)
		}

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%s: decoding output: %v", tt.name, err)
		}
		if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
			t.Errorf("%s: expected %dx%d, got %dx%d", tt.name, tt.wantW, tt.wantH, cfg.Width, cfg.Height)
		}
	}
}

func TestThumbnailAcceptsJPEG(t *testing.T) {
	var buf bytes.Buffer
	jpeg.Encode(&buf, solid(400, 400), &jpeg.Options{Quality: 90})

	data, _, err := Thumbnail(&buf)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	cfg, _ := jpeg.DecodeConfig(bytes.NewReader(data))
	if cfg.Width != ThumbnailSize || cfg.Height != ThumbnailSize {
		t.Errorf("expected %dx%d, got %dx%d", ThumbnailSize, ThumbnailSize, cfg.Width, cfg.Height)
	}
}

func TestThumbnailRejectsOtherFormats(t *testing.T) {
	_, _, err := Thumbnail(bytes.NewReader([]byte("GIF89a not really a gif")))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	_, _, err = Thumbnail(bytes.NewReader([]byte("<html>captive portal</html>")))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for html, got %v", err)
	}
}
