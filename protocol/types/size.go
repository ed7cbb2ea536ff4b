// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a canonical creative size in "WxH" pixels.
type Size string

const (
	SizeHorizontal480x60   Size = "480x60"
	SizeHorizontal720x90   Size = "720x90"
	SizeHorizontal300x50   Size = "300x50"
	SizeHorizontal512x128  Size = "512x128"
	SizeHorizontal1024x512 Size = "1024x512"
	SizeHorizontal1920x120 Size = "1920x120"
	SizeVertical300x600    Size = "300x600"
	SizeVertical160x600    Size = "160x600"
	SizeVertical120x600    Size = "120x600"
	SizeVertical512x1024   Size = "512x1024"
	SizeSquare200x200      Size = "200x200"
	SizeSquare250x250      Size = "250x250"
	SizeSquare1024x1024    Size = "1024x1024"
	SizeSquare2048x2048    Size = "2048x2048"
	SizeWide1280x720       Size = "1280x720"
	SizeWide1920x1080      Size = "1920x1080"
)

// sizeRatios maps each canonical size to its nominal aspect ratio bucket.
var sizeRatios = map[Size]AspectRatio{
	SizeHorizontal480x60:   Ratio8x1,
	SizeHorizontal720x90:   Ratio8x1,
	SizeHorizontal300x50:   Ratio6x1,
	SizeHorizontal512x128:  Ratio4x1,
	SizeHorizontal1024x512: Ratio2x1,
	SizeHorizontal1920x120: Ratio16x1,
	SizeVertical300x600:    Ratio1x2,
	SizeVertical160x600:    Ratio1x3,
	SizeVertical120x600:    Ratio1x5,
	SizeVertical512x1024:   Ratio1x2,
	SizeSquare200x200:      Ratio1x1,
	SizeSquare250x250:      Ratio1x1,
	SizeSquare1024x1024:    Ratio1x1,
	SizeSquare2048x2048:    Ratio1x1,
	SizeWide1280x720:       Ratio16x9,
	SizeWide1920x1080:      Ratio16x9,
}

// Valid reports whether s is one of the canonical sizes.
func (s Size) Valid() bool {
	_, ok := sizeRatios[s]
	return ok
}

// Ratio returns the size's nominal aspect ratio bucket.
func (s Size) Ratio() AspectRatio {
	return sizeRatios[s]
}

// Dimensions returns the pixel width and height.
func (s Size) Dimensions() (int, int, error) {
	parts := strings.SplitN(string(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed size %q", string(s))
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
		return 0, 0, fmt.Errorf("non-positive size %q", string(s))
	}
	return w, h, nil
}

// Width returns the pixel width, or 0 for a malformed size.
func (s Size) Width() int {
	w, _, _ := s.Dimensions()
	return w
}

// Height returns the pixel height, or 0 for a malformed size.
func (s Size) Height() int {
	_, h, _ := s.Dimensions()
	return h
}

// ParseSize parses a size tag value against the canonical catalog.
func ParseSize(s string) (Size, error) {
	size := Size(s)
	if !size.Valid() {
		return "", fmt.Errorf("unknown size %q", s)
	}
	return size, nil
}

// SizesForRatio returns every canonical size in the given ratio bucket.
func SizesForRatio(r AspectRatio) []Size {
	var out []Size
	for s, ratio := range sizeRatios {
		if ratio == r {
			out = append(out, s)
		}
	}
	return out
}
