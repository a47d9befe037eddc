package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression formats recognised by LoadImage.
const (
	FormatRaw  = "raw"
	FormatGzip = "gzip"
	FormatZstd = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// MaxImageSize is the largest image the start command can announce.
const MaxImageSize = math.MaxInt32

// ErrEmptyImage is returned for an image without content.
var ErrEmptyImage = errors.New("firmware image is empty")

// Image is a firmware image ready for upload.
type Image struct {
	Name   string
	Format string // compression of the source file
	Data   []byte
}

// Size returns the decompressed image size.
func (img *Image) Size() int64 {
	return int64(len(img.Data))
}

// DetectFormat identifies the compression of b by its magic bytes.
func DetectFormat(b []byte) string {
	switch {
	case bytes.HasPrefix(b, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(b, zstdMagic):
		return FormatZstd
	default:
		return FormatRaw
	}
}

// LoadImage reads a firmware image from path, decompressing gzip and zstd
// files.
func LoadImage(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := DecodeImage(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Name = path
	return img, nil
}

// DecodeImage decompresses raw when it carries a known magic.
func DecodeImage(raw []byte) (*Image, error) {
	img := &Image{Format: DetectFormat(raw)}

	switch img.Format {
	case FormatGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid gzip image: %w", err)
		}
		defer zr.Close()
		if img.Data, err = readLimited(zr); err != nil {
			return nil, fmt.Errorf("invalid gzip image: %w", err)
		}
	case FormatZstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid zstd image: %w", err)
		}
		defer zr.Close()
		if img.Data, err = readLimited(zr); err != nil {
			return nil, fmt.Errorf("invalid zstd image: %w", err)
		}
	default:
		img.Data = raw
	}

	if len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}
	if len(img.Data) > MaxImageSize {
		return nil, fmt.Errorf("image of %d bytes exceeds %d", len(img.Data), MaxImageSize)
	}
	return img, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	return data, nil
}
