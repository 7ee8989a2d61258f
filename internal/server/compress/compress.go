package compress

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/pgzip"
)

// Algorithm identifies a supported compression scheme.
type Algorithm string

const (
	// AlgorithmGzip is the general-purpose default.
	AlgorithmGzip Algorithm = "gzip"
	// AlgorithmBrotli is preferred for text-like payloads.
	AlgorithmBrotli Algorithm = "brotli"
)

const (
	MinLevel     = 1
	MaxLevel     = 9
	DefaultLevel = 6
)

var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

// textMIMEFragments mark MIME types that compress better with brotli.
var textMIMEFragments = []string{
	"json",
	"javascript",
	"xml",
	"svg",
}

// AlgorithmForMIME selects the compression scheme for a payload based on
// its declared MIME type. Text-like content (plain text, JSON, scripts,
// XML, SVG) gets the text-tuned scheme; everything else gets gzip.
func AlgorithmForMIME(mimeType string) Algorithm {
	mt := strings.ToLower(mimeType)
	if strings.HasPrefix(mt, "text/") {
		return AlgorithmBrotli
	}
	for _, frag := range textMIMEFragments {
		if strings.Contains(mt, frag) {
			return AlgorithmBrotli
		}
	}
	return AlgorithmGzip
}

// ParseAlgorithm validates an algorithm name recorded at compress time.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmGzip:
		return AlgorithmGzip, nil
	case AlgorithmBrotli:
		return AlgorithmBrotli, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

// Compress streams src through the selected codec into dst.
// Level runs 1 (fastest) to 9 (best ratio); out-of-range values are
// clamped. Returns the number of plaintext bytes consumed.
func Compress(dst io.Writer, src io.Reader, algo Algorithm, level int) (int64, error) {
	level = clampLevel(level)

	switch algo {
	case AlgorithmGzip:
		zw, err := pgzip.NewWriterLevel(dst, level)
		if err != nil {
			return 0, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		n, err := io.Copy(zw, src)
		if err != nil {
			zw.Close()
			return n, fmt.Errorf("gzip compression failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return n, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		return n, nil

	case AlgorithmBrotli:
		bw := brotli.NewWriterLevel(dst, brotliQuality(level))
		n, err := io.Copy(bw, src)
		if err != nil {
			bw.Close()
			return n, fmt.Errorf("brotli compression failed: %w", err)
		}
		if err := bw.Close(); err != nil {
			return n, fmt.Errorf("failed to close brotli writer: %w", err)
		}
		return n, nil

	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// Decompress streams src through the codec recorded at compress time into
// dst. The algorithm must match the one used to compress; a mismatched or
// corrupted stream returns an error rather than producing garbage output.
// Returns the number of plaintext bytes produced.
func Decompress(dst io.Writer, src io.Reader, algo Algorithm) (int64, error) {
	switch algo {
	case AlgorithmGzip:
		zr, err := pgzip.NewReader(src)
		if err != nil {
			return 0, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer zr.Close()
		n, err := io.Copy(dst, zr)
		if err != nil {
			return n, fmt.Errorf("gzip decompression failed: %w", err)
		}
		return n, nil

	case AlgorithmBrotli:
		br := brotli.NewReader(src)
		n, err := io.Copy(dst, br)
		if err != nil {
			return n, fmt.Errorf("brotli decompression failed: %w", err)
		}
		return n, nil

	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// Ratio reports compressed size as a fraction of the original size.
// Pure reporting; never used for control decisions.
func Ratio(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

func clampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// brotliQuality maps the shared 1-9 level scale onto brotli's 0-11 range.
func brotliQuality(level int) int {
	q := level * brotli.BestCompression / MaxLevel
	if q < 1 {
		q = 1
	}
	return q
}
