// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AspectRatio is a width:height ratio tag value, e.g. "4:1".
type AspectRatio string

const (
	Ratio16x1 AspectRatio = "16:1"
	Ratio8x1  AspectRatio = "8:1"
	Ratio6x1  AspectRatio = "6:1"
	Ratio4x1  AspectRatio = "4:1"
	Ratio2x1  AspectRatio = "2:1"
	Ratio16x9 AspectRatio = "16:9"
	Ratio1x1  AspectRatio = "1:1"
	Ratio1x2  AspectRatio = "1:2"
	Ratio1x3  AspectRatio = "1:3"
	Ratio1x4  AspectRatio = "1:4"
	Ratio1x5  AspectRatio = "1:5"
)

// aspectRatios is ordered from widest to tallest.
var aspectRatios = []AspectRatio{
	Ratio16x1, Ratio8x1, Ratio6x1, Ratio4x1, Ratio2x1,
	Ratio16x9, Ratio1x1, Ratio1x2, Ratio1x3, Ratio1x4, Ratio1x5,
}

// Value returns the ratio as a float (width divided by height), or 0 for a
// malformed ratio.
func (r AspectRatio) Value() float64 {
	w, h, err := r.split()
	if err != nil {
		return 0
	}
	return float64(w) / float64(h)
}

// Valid reports whether r is one of the known ratios.
func (r AspectRatio) Valid() bool {
	for _, known := range aspectRatios {
		if known == r {
			return true
		}
	}
	return false
}

func (r AspectRatio) split() (int, int, error) {
	parts := strings.SplitN(string(r), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed aspect ratio %q", string(r))
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("non-positive aspect ratio %q", string(r))
	}
	return w, h, nil
}

// ParseAspectRatio parses a ratio tag value.
func ParseAspectRatio(s string) (AspectRatio, error) {
	r := AspectRatio(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown aspect ratio %q", s)
	}
	return r, nil
}

// ClosestAspectRatio returns the known ratio nearest to value.
func ClosestAspectRatio(value float64) AspectRatio {
	best := aspectRatios[0]
	bestDist := math.Abs(best.Value() - value)
	for _, r := range aspectRatios[1:] {
		if d := math.Abs(r.Value() - value); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best
}
