// Package codec converts between raw BGRA pixel buffers and compressed
// JPEG/PNG frames.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/eleven-am/stylestream/internal/shared"
	"golang.org/x/image/draw"
)

const (
	BytesPerPixel = 4

	DefaultQuality   = 85
	ReferenceQuality = 90

	// MaxReferenceDim bounds the longer side of a style reference image.
	MaxReferenceDim = 1024
)

type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	default:
		return "unknown"
	}
}

// DetectFormat inspects magic bytes only.
func DetectFormat(data []byte) Format {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return FormatJPEG
	}
	if len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return FormatPNG
	}
	return FormatUnknown
}

// PixelBuffer is a tightly packed BGRA image, 8 bits per channel.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []byte
}

func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

func (b *PixelBuffer) Valid() bool {
	return b != nil && b.Width > 0 && b.Height > 0 && len(b.Pix) >= b.Width*b.Height*BytesPerPixel
}

func (b *PixelBuffer) Clone() *PixelBuffer {
	if b == nil {
		return nil
	}
	out := &PixelBuffer{Width: b.Width, Height: b.Height, Pix: make([]byte, len(b.Pix))}
	copy(out.Pix, b.Pix)
	return out
}

// Image returns an RGBA copy suitable for the standard encoders.
func (b *PixelBuffer) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	n := b.Width * b.Height * BytesPerPixel
	for i := 0; i < n; i += BytesPerPixel {
		img.Pix[i+0] = b.Pix[i+2]
		img.Pix[i+1] = b.Pix[i+1]
		img.Pix[i+2] = b.Pix[i+0]
		img.Pix[i+3] = b.Pix[i+3]
	}
	return img
}

func FromImage(img image.Image) *PixelBuffer {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) || rgba.Stride != bounds.Dx()*BytesPerPixel {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Copy(rgba, image.Point{}, img, bounds, draw.Src, nil)
	}

	buf := NewPixelBuffer(bounds.Dx(), bounds.Dy())
	for i := 0; i < len(buf.Pix); i += BytesPerPixel {
		buf.Pix[i+0] = rgba.Pix[i+2]
		buf.Pix[i+1] = rgba.Pix[i+1]
		buf.Pix[i+2] = rgba.Pix[i+0]
		buf.Pix[i+3] = rgba.Pix[i+3]
	}
	return buf
}

func Encode(buf *PixelBuffer, format Format, quality int) ([]byte, error) {
	if !buf.Valid() {
		return nil, shared.ErrEmptyImage
	}

	var out bytes.Buffer
	switch format {
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		if err := jpeg.Encode(&out, buf.Image(), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&out, buf.Image()); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	default:
		return nil, shared.ErrUnknownFormat
	}
	return out.Bytes(), nil
}

func Decode(data []byte) (*PixelBuffer, Format, error) {
	format := DetectFormat(data)

	var (
		img image.Image
		err error
	)
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	default:
		return nil, FormatUnknown, shared.ErrUnknownFormat
	}
	if err != nil {
		return nil, format, fmt.Errorf("decode %s: %w", format, err)
	}
	return FromImage(img), format, nil
}

// EncodeBase64JPEG produces the image_data payload for style extraction.
func EncodeBase64JPEG(buf *PixelBuffer, quality int) (string, int, error) {
	data, err := Encode(buf, FormatJPEG, quality)
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(data), len(data), nil
}

// Resize scales buf down so neither side exceeds maxDim. Buffers already
// within bounds are returned unchanged.
func Resize(buf *PixelBuffer, maxDim int) *PixelBuffer {
	if maxDim <= 0 || !buf.Valid() || (buf.Width <= maxDim && buf.Height <= maxDim) {
		return buf
	}

	w, h := buf.Width, buf.Height
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), buf.Image(), image.Rect(0, 0, buf.Width, buf.Height), draw.Src, nil)
	return FromImage(dst)
}
