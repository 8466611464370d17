package models

// SliceFile represents a single acquisition file with its extracted
// slice location
type SliceFile struct {
	// Path is the file system location of the slice file
	Path string

	// SliceLocation is the physical position distinguishing this slice
	// from the other anatomical slices of the acquisition
	SliceLocation float64
}

// EchoSeries is one ordered echo of an acquisition: file paths sorted by
// ascending slice location
type EchoSeries []string

// Reversed returns a copy of the series in reverse order
func (e EchoSeries) Reversed() EchoSeries {
	out := make(EchoSeries, len(e))
	for i, p := range e {
		out[len(e)-1-i] = p
	}
	return out
}
