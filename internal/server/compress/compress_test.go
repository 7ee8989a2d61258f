package compress

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestAlgorithmForMIME(t *testing.T) {
	tests := []struct {
		mime string
		want Algorithm
	}{
		{"text/plain", AlgorithmBrotli},
		{"text/html; charset=utf-8", AlgorithmBrotli},
		{"application/json", AlgorithmBrotli},
		{"application/javascript", AlgorithmBrotli},
		{"application/xml", AlgorithmBrotli},
		{"image/svg+xml", AlgorithmBrotli},
		{"APPLICATION/JSON", AlgorithmBrotli},
		{"image/png", AlgorithmGzip},
		{"application/octet-stream", AlgorithmGzip},
		{"video/mp4", AlgorithmGzip},
		{"", AlgorithmGzip},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := AlgorithmForMIME(tt.mime); got != tt.want {
				t.Errorf("AlgorithmForMIME(%q) = %s, want %s", tt.mime, got, tt.want)
			}
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	t.Run("accepts known algorithms", func(t *testing.T) {
		for _, name := range []string{"gzip", "brotli"} {
			algo, err := ParseAlgorithm(name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(algo) != name {
				t.Errorf("expected %s, got %s", name, algo)
			}
		}
	})

	t.Run("rejects unknown algorithm", func(t *testing.T) {
		if _, err := ParseAlgorithm("lz4"); !errors.Is(err, ErrUnknownAlgorithm) {
			t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"small text": []byte("hello, sealdrop"),
		"repetitive": []byte(strings.Repeat("abcdefgh", 4096)),
		"random 1MB": randomBytes(t, 1<<20),
	}

	for _, algo := range []Algorithm{AlgorithmGzip, AlgorithmBrotli} {
		for name, payload := range payloads {
			for _, level := range []int{MinLevel, DefaultLevel, MaxLevel} {
				t.Run(string(algo)+"/"+name, func(t *testing.T) {
					var compressed bytes.Buffer
					n, err := Compress(&compressed, bytes.NewReader(payload), algo, level)
					if err != nil {
						t.Fatalf("compress failed: %v", err)
					}
					if n != int64(len(payload)) {
						t.Errorf("expected %d bytes consumed, got %d", len(payload), n)
					}

					var restored bytes.Buffer
					m, err := Decompress(&restored, bytes.NewReader(compressed.Bytes()), algo)
					if err != nil {
						t.Fatalf("decompress failed: %v", err)
					}
					if m != int64(len(payload)) {
						t.Errorf("expected %d bytes produced, got %d", len(payload), m)
					}
					if !bytes.Equal(restored.Bytes(), payload) {
						t.Error("round trip did not restore original bytes")
					}
				})
			}
		}
	}
}

func TestCompressLevelClamping(t *testing.T) {
	payload := []byte(strings.Repeat("clamp me ", 512))

	for _, level := range []int{-3, 0, 15} {
		var compressed bytes.Buffer
		if _, err := Compress(&compressed, bytes.NewReader(payload), AlgorithmGzip, level); err != nil {
			t.Fatalf("compress with level %d failed: %v", level, err)
		}

		var restored bytes.Buffer
		if _, err := Decompress(&restored, bytes.NewReader(compressed.Bytes()), AlgorithmGzip); err != nil {
			t.Fatalf("decompress failed: %v", err)
		}
		if !bytes.Equal(restored.Bytes(), payload) {
			t.Errorf("round trip with clamped level %d corrupted data", level)
		}
	}
}

func TestDecompressAlgorithmMismatch(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox ", 1024))

	t.Run("brotli stream fed to gzip", func(t *testing.T) {
		var compressed bytes.Buffer
		if _, err := Compress(&compressed, bytes.NewReader(payload), AlgorithmBrotli, DefaultLevel); err != nil {
			t.Fatalf("compress failed: %v", err)
		}

		var out bytes.Buffer
		if _, err := Decompress(&out, bytes.NewReader(compressed.Bytes()), AlgorithmGzip); err == nil {
			t.Error("expected error decompressing brotli stream as gzip")
		}
	})

	t.Run("garbage fed to gzip", func(t *testing.T) {
		var out bytes.Buffer
		if _, err := Decompress(&out, bytes.NewReader([]byte("not a gzip stream")), AlgorithmGzip); err == nil {
			t.Error("expected error decompressing garbage")
		}
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		var out bytes.Buffer
		if _, err := Decompress(&out, bytes.NewReader(nil), Algorithm("zip")); !errors.Is(err, ErrUnknownAlgorithm) {
			t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
		}
	})
}

func TestDecompressTruncatedStream(t *testing.T) {
	payload := randomBytes(t, 64*1024)

	var compressed bytes.Buffer
	if _, err := Compress(&compressed, bytes.NewReader(payload), AlgorithmGzip, DefaultLevel); err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	truncated := compressed.Bytes()[:compressed.Len()/2]
	var out bytes.Buffer
	if _, err := Decompress(&out, bytes.NewReader(truncated), AlgorithmGzip); err == nil {
		t.Error("expected error decompressing truncated stream")
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name       string
		original   int64
		compressed int64
		want       float64
	}{
		{"half", 100, 50, 0.5},
		{"expanded", 100, 120, 1.2},
		{"zero original", 0, 50, 0},
		{"negative original", -1, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ratio(tt.original, tt.compressed); got != tt.want {
				t.Errorf("Ratio(%d, %d) = %f, want %f", tt.original, tt.compressed, got, tt.want)
			}
		})
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(b)
	return b
}
