// internal/record/frames.go

// Package record writes pipeline output: projected frames and weighted basis
// functions as CSV, detection sets as YAML documents.
package record

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/ColonelBlimp/kltdet/internal/klt"
)

// FrameWriter writes one CSV row per frame:
//
//	index,time,energy_0,value_0,freq_0,re_0,im_0,...
//
// The header names numEig directions; frames with fewer directions leave
// the missing columns empty.
type FrameWriter struct {
	w      *csv.Writer
	numEig int
	header bool
	row    []string
	rows   int64
}

// NewFrameWriter returns a writer for frames of up to numEig directions.
func NewFrameWriter(w io.Writer, numEig int) *FrameWriter {
	return &FrameWriter{
		w:      csv.NewWriter(w),
		numEig: numEig,
		row:    make([]string, 2+5*numEig),
	}
}

func (fw *FrameWriter) writeHeader() error {
	h := make([]string, 0, len(fw.row))
	h = append(h, "index", "time")
	for k := 0; k < fw.numEig; k++ {
		s := strconv.Itoa(k)
		h = append(h, "energy_"+s, "value_"+s, "freq_"+s, "re_"+s, "im_"+s)
	}
	fw.header = true
	return fw.w.Write(h)
}

// Write appends f.
func (fw *FrameWriter) Write(f klt.Frame) error {
	if !fw.header {
		if err := fw.writeHeader(); err != nil {
			return err
		}
	}
	if f.Len() > fw.numEig {
		return fmt.Errorf("frame %d has %d directions, writer holds %d", f.Index, f.Len(), fw.numEig)
	}
	fw.row[0] = strconv.FormatInt(f.Index, 10)
	fw.row[1] = formatFloat(f.Time)
	for k := 0; k < fw.numEig; k++ {
		cols := fw.row[2+5*k : 7+5*k]
		if k >= f.Len() {
			clear(cols)
			continue
		}
		cols[0] = formatFloat(f.Energy[k])
		cols[1] = formatFloat(f.Values[k])
		cols[2] = formatFloat(f.Freqs[k])
		cols[3] = formatFloat(real(f.Coeffs[k]))
		cols[4] = formatFloat(imag(f.Coeffs[k]))
	}
	if err := fw.w.Write(fw.row); err != nil {
		return err
	}
	fw.rows++
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (fw *FrameWriter) Flush() error {
	if !fw.header {
		if err := fw.writeHeader(); err != nil {
			return err
		}
	}
	fw.w.Flush()
	return fw.w.Error()
}

// Rows returns the number of frames written.
func (fw *FrameWriter) Rows() int64 {
	return fw.rows
}

// BasisStride is the number of samples of each weighted basis function kept
// in the basis output: order*(1-basisOverlap), at least 1.
func BasisStride(order int, basisOverlap float64) int {
	return max(1, int(math.Round(float64(order)*(1-basisOverlap))))
}

// BasisWriter writes the coefficient-weighted eigenvectors of each frame,
// one row per direction: index,time,k,re_0,im_0,re_1,im_1,...
type BasisWriter struct {
	w      *csv.Writer
	stride int
	row    []string
}

// NewBasisWriter returns a writer keeping stride samples per basis function.
func NewBasisWriter(w io.Writer, stride int) *BasisWriter {
	return &BasisWriter{
		w:      csv.NewWriter(w),
		stride: stride,
		row:    make([]string, 0, 3+2*stride),
	}
}

// Write appends the weighted basis of f under dec.
func (bw *BasisWriter) Write(f klt.Frame, dec *klt.Decomposition) error {
	for k, fn := range klt.WeightedBasis(dec, f, bw.stride) {
		bw.row = bw.row[:0]
		bw.row = append(bw.row, strconv.FormatInt(f.Index, 10), formatFloat(f.Time), strconv.Itoa(k))
		for _, v := range fn {
			bw.row = append(bw.row, formatFloat(real(v)), formatFloat(imag(v)))
		}
		if err := bw.w.Write(bw.row); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (bw *BasisWriter) Flush() error {
	bw.w.Flush()
	return bw.w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
