package registration

import (
	"fmt"

	"maskregistration/internal/models"
)

// Score measures how much of a mask survived resampling. Scores compare
// lexicographically: more distinct labels first, then more labelled voxels.
type Score struct {
	Labels int `json:"labels"`
	Voxels int `json:"voxels"`
}

// ScoreOf counts the non-background labels and voxels of vol
func ScoreOf(vol *models.LabeledVolume) Score {
	labels, voxels := vol.Stats()
	return Score{Labels: labels, Voxels: voxels}
}

// Greater reports whether s is strictly better than o
func (s Score) Greater(o Score) bool {
	if s.Labels != o.Labels {
		return s.Labels > o.Labels
	}
	return s.Voxels > o.Voxels
}

func (s Score) String() string {
	return fmt.Sprintf("%d labels / %d voxels", s.Labels, s.Voxels)
}

// PickBest returns the index of the best scoring candidate. The candidate at
// tieBreakIndex is the starting point and is only replaced by a strictly
// greater score, so it wins every tie. It returns -1 for an empty list.
func PickBest[T any](candidates []T, score func(T) Score, tieBreakIndex int) int {
	if len(candidates) == 0 {
		return -1
	}
	if tieBreakIndex < 0 || tieBreakIndex >= len(candidates) {
		tieBreakIndex = 0
	}

	best := tieBreakIndex
	bestScore := score(candidates[best])
	for i, c := range candidates {
		if i == tieBreakIndex {
			continue
		}
		if s := score(c); s.Greater(bestScore) {
			best, bestScore = i, s
		}
	}
	return best
}

// Candidate is one possible target grid together with the mask resampled
// onto it
type Candidate struct {
	Direction Direction
	Frame     models.GeometryFrame
	Volume    *models.LabeledVolume
	Score     Score
}
