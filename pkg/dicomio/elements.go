package dicomio

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// floatValues returns the numeric values of an element. Decimal strings,
// integer and floating point representations are accepted.
func floatValues(ds dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return nil, false
	}

	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			s = strings.Trim(s, " \x00")
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, len(out) > 0
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, len(out) > 0
	case []float64:
		return v, len(v) > 0
	}
	return nil, false
}

// floatValue returns the first numeric value of an element
func floatValue(ds dicom.Dataset, t tag.Tag) (float64, bool) {
	values, ok := floatValues(ds, t)
	if !ok {
		return 0, false
	}
	return values[0], true
}

// intValue returns the first value of an integer element
func intValue(ds dicom.Dataset, t tag.Tag) (int, bool) {
	f, ok := floatValue(ds, t)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// formatDS renders a float as a DICOM decimal string (at most 16 characters)
func formatDS(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	for prec := 10; len(s) > 16 && prec > 0; prec-- {
		s = strconv.FormatFloat(v, 'g', prec, 64)
	}
	return s
}

func formatDSList(values ...float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatDS(v)
	}
	return out
}

// newElements builds elements from tag/value pairs, stopping at the first
// value the library refuses
func newElements(pairs []tagValue) ([]*dicom.Element, error) {
	out := make([]*dicom.Element, 0, len(pairs))
	for _, p := range pairs {
		el, err := dicom.NewElement(p.tag, p.value)
		if err != nil {
			return nil, fmt.Errorf("failed to build element %v: %w", p.tag, err)
		}
		out = append(out, el)
	}
	return out, nil
}

type tagValue struct {
	tag   tag.Tag
	value any
}

// sortElements orders elements by (group, element) as the file format
// requires
func sortElements(elements []*dicom.Element) {
	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i].Tag, elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
}
