// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "fmt"

// ActionType is the user action a bid pays for.
type ActionType string

const (
	// ActionView pays for the ad being rendered.
	ActionView ActionType = "view"
	// ActionLink pays for the ad's link being followed.
	ActionLink ActionType = "link"
	// ActionAction pays for an app-defined custom action.
	ActionAction ActionType = "action"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionView, ActionLink, ActionAction:
		return true
	}
	return false
}

// ParseActionType parses an action type tag value.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return a, nil
}

// MimeType is the payload media type of a creative.
type MimeType string

const (
	MimeImageJPEG MimeType = "image/jpeg"
	MimeImagePNG  MimeType = "image/png"
	MimeImageGIF  MimeType = "image/gif"
	MimeTextPlain MimeType = "text/plain"
)

// Valid reports whether m is an accepted media type.
func (m MimeType) Valid() bool {
	switch m {
	case MimeImageJPEG, MimeImagePNG, MimeImageGIF, MimeTextPlain:
		return true
	}
	return false
}

// ParseMimeType parses a media type tag value.
func ParseMimeType(s string) (MimeType, error) {
	m := MimeType(s)
	if !m.Valid() {
		return "", fmt.Errorf("unsupported mime type %q", s)
	}
	return m, nil
}
