// internal/detect/event.go
package detect

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Event is a finalized time/frequency region whose in-band energy crossed
// the threshold. Events are never modified after the detector emits them.
type Event struct {
	StartTime  float64 `yaml:"start_time"`
	EndTime    float64 `yaml:"end_time"`
	FreqLo     float64 `yaml:"freq_lo"`
	FreqHi     float64 `yaml:"freq_hi"`
	PeakEnergy float64 `yaml:"peak_energy"`
	SubBand    int     `yaml:"sub_band"`
}

// Duration returns EndTime - StartTime.
func (e Event) Duration() float64 {
	return e.EndTime - e.StartTime
}

// Set is a time-ordered list of events with the parameters that produced it.
type Set struct {
	Band     Band    `yaml:"band"`
	SubBands int     `yaml:"sub_bands"`
	Stride   int     `yaml:"stride"`
	Events   []Event `yaml:"events"`
}

// Len returns the number of events.
func (s Set) Len() int {
	return len(s.Events)
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	c := s
	c.Events = append([]Event(nil), s.Events...)
	return c
}

// SortEvents orders events by start time, then sub-band index.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StartTime != events[j].StartTime {
			return events[i].StartTime < events[j].StartTime
		}
		return events[i].SubBand < events[j].SubBand
	})
}

// Summary describes a detection set.
type Summary struct {
	Count        int
	MeanDuration float64
	MeanPeak     float64
	StdPeak      float64
	MaxPeak      float64
}

// Summarize computes duration and peak energy statistics of s.
func (s Set) Summarize() Summary {
	sum := Summary{Count: len(s.Events)}
	if sum.Count == 0 {
		return sum
	}
	durations := make([]float64, sum.Count)
	peaks := make([]float64, sum.Count)
	for i, e := range s.Events {
		durations[i] = e.Duration()
		peaks[i] = e.PeakEnergy
		sum.MaxPeak = max(sum.MaxPeak, e.PeakEnergy)
	}
	sum.MeanDuration = stat.Mean(durations, nil)
	if sum.Count > 1 {
		sum.MeanPeak, sum.StdPeak = stat.MeanStdDev(peaks, nil)
	} else {
		sum.MeanPeak = peaks[0]
	}
	return sum
}
