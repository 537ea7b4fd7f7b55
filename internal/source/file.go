// internal/source/file.go
package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// BytesPerSample is the size of one cf32 sample: little-endian float32 I then Q.
const BytesPerSample = 8

// File reads a raw cf32 capture.
type File struct {
	f   *os.File
	r   *bufio.Reader
	buf [BytesPerSample]byte
}

// Open opens a cf32 capture file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	return &File{f: f, r: bufio.NewReaderSize(f, 64*1024)}, nil
}

func (f *File) ReadSamples(ctx context.Context, dst []complex128) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for i := range dst {
		if _, err := io.ReadFull(f.r, f.buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return i, io.EOF
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// trailing bytes that do not form a whole sample are ignored
				return i, io.EOF
			}
			return i, fmt.Errorf("read capture: %w", err)
		}
		re := math.Float32frombits(binary.LittleEndian.Uint32(f.buf[0:4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(f.buf[4:8]))
		dst[i] = complex(float64(re), float64(im))
	}
	return len(dst), nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// WriteCF32 writes samples to w in cf32 format.
func WriteCF32(w io.Writer, samples []complex128) error {
	bw := bufio.NewWriter(w)
	var b [BytesPerSample]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(float32(real(s))))
		binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(float32(imag(s))))
		if _, err := bw.Write(b[:]); err != nil {
			return fmt.Errorf("write capture: %w", err)
		}
	}
	return bw.Flush()
}

// Save writes samples to a new cf32 file at path.
func Save(path string, samples []complex128) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	if err := WriteCF32(f, samples); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
