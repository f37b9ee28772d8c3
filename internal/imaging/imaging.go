// Package imaging turns catalogue images into small thumbnails that can be
// kept in the local store and shown while offline.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"
)

// ThumbnailSize bounds the width and height of a thumbnail.
const ThumbnailSize = 256

// JPEGQuality is the thumbnail compression quality.
const JPEGQuality = 80

// MaxInput caps how many bytes of a source image are read.
const MaxInput = 10 << 20

// ErrUnsupported is returned for anything that is not a JPEG or PNG.
var ErrUnsupported = errors.New("unsupported image format")

// Thumbnail sniffs the input format, downscales it to fit ThumbnailSize and
// re-encodes it as JPEG. It returns the encoded bytes and their MIME type.
func Thumbnail(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxInput+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	if len(data) > MaxInput {
		return nil, "", fmt.Errorf("image larger than %d bytes", MaxInput)
	}

	switch detected := http.DetectContentType(data); detected {
	case "image/jpeg", "image/png":
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupported, detected)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fit(img, ThumbnailSize), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, "", fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// fit scales img down so neither side exceeds bound, keeping the aspect ratio.
func fit(img image.Image, bound int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= bound && h <= bound {
		return img
	}

	nw, nh := bound, bound
	if w > h {
		nh = max(1, h*bound/w)
	} else {
		nw = max(1, w*bound/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
