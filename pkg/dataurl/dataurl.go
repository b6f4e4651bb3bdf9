// Package dataurl converts images to and from base64 data URLs, the image
// encoding used on the segmentation wire protocol.
package dataurl

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/webp"
)

// ErrMalformed is returned when a string is not a decodable image data URL
var ErrMalformed = errors.New("malformed image data URL")

const (
	prefix       = "data:"
	base64Marker = ";base64,"
)

// Options controls how an image is encoded
type Options struct {
	Format   string // png, jpg, webp
	Quality  int    // JPEG/WebP quality (1-100)
	Lossless bool   // WebP lossless mode
}

// DefaultOptions returns PNG encoding, which keeps the image lossless
func DefaultOptions() Options {
	return Options{Format: "png", Quality: 90}
}

// Encode encodes an image as a data URL
func Encode(img image.Image, opts Options) (string, error) {
	if img == nil {
		return "", fmt.Errorf("encode data URL: nil image")
	}

	var buf bytes.Buffer
	var mime string
	switch strings.ToLower(opts.Format) {
	case "", "png":
		mime = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("encode png: %w", err)
		}
	case "jpg", "jpeg":
		mime = "image/jpeg"
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality(opts.Quality)}); err != nil {
			return "", fmt.Errorf("encode jpeg: %w", err)
		}
	case "webp":
		mime = "image/webp"
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: opts.Lossless, Quality: float32(quality(opts.Quality))}); err != nil {
			return "", fmt.Errorf("encode webp: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported data URL format: %s", opts.Format)
	}

	return prefix + mime + base64Marker + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodePNG is Encode with the default options
func EncodePNG(img image.Image) (string, error) {
	return Encode(img, DefaultOptions())
}

// Decode parses a data URL and decodes the image it carries.
// It returns the image and the format name reported by the decoder.
func Decode(s string) (image.Image, string, error) {
	data, err := Payload(s)
	if err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return img, format, nil
}

// Payload returns the raw bytes of a base64 image data URL.
// Line breaks inside the base64 body are ignored.
func Payload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformed, prefix)
	}
	idx := strings.Index(s, base64Marker)
	if idx < 0 {
		return nil, fmt.Errorf("%w: not base64 encoded", ErrMalformed)
	}
	if mime := s[len(prefix):idx]; !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: unexpected media type %q", ErrMalformed, mime)
	}

	body := strings.NewReplacer("\n", "", "\r", "").Replace(s[idx+len(base64Marker):])
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

func quality(q int) int {
	if q < 1 || q > 100 {
		return 90
	}
	return q
}
