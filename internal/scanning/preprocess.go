package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// DefaultMaxDimension is the largest width or height handed to OCR
const DefaultMaxDimension = 4096

// MaxPixels bounds width*height of an image before it is decoded
const MaxPixels = 50_000_000

// pdfDPI is the resolution go-fitz renders pages at; page bounds are in points
const pdfDPI = 300

// ErrInvalidImage is returned when the input cannot be decoded as an image
var ErrInvalidImage = errors.New("invalid image")

// Preprocess decodes a screenshot and downsamples it so that its larger side
// is at most maxDimension, preserving aspect ratio. Images already within the
// limit are returned as decoded.
func Preprocess(data []byte, contentType string, maxDimension int) (image.Image, error) {
	img, err := decodeImage(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if b.Dx() <= maxDimension && b.Dy() <= maxDimension {
		return img, nil
	}

	// A zero dimension tells imaging to keep the aspect ratio
	if b.Dx() >= b.Dy() {
		return imaging.Resize(img, maxDimension, 0, imaging.Lanczos), nil
	}
	return imaging.Resize(img, 0, maxDimension, imaging.Lanczos), nil
}

func decodeImage(data []byte, contentType string) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("no image data")
	}
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF")):
		return pdfFirstPage(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		cfg, err := heic.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("reading HEIC/HEIF header: %w", err)
		}
		if err := checkPixels(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	default:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("reading image header: %w", err)
		}
		if err := checkPixels(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
		return img, nil
	}
}

// pdfFirstPage renders the first page of a PDF export
func pdfFirstPage(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, errors.New("PDF has no pages")
	}
	bound, err := doc.Bound(0)
	if err != nil {
		return nil, fmt.Errorf("reading PDF page size: %w", err)
	}
	if err := checkPixels(bound.Dx()*pdfDPI/72, bound.Dy()*pdfDPI/72); err != nil {
		return nil, err
	}
	img, err := doc.ImageDPI(0, pdfDPI)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// checkPixels rejects headers that would need an oversized pixel buffer
func checkPixels(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if int64(width)*int64(height) > MaxPixels {
		return fmt.Errorf("dimensions %dx%d exceed %d pixels", width, height, MaxPixels)
	}
	return nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
