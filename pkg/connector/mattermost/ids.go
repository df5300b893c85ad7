// Copyright 2024-2026 Aiku AI

package mattermost

import "strings"

// spoilerPrefix marks attachment filenames that should be hidden until
// clicked.
const spoilerPrefix = "SPOILER_"

// Permalink returns the server-relative redirect link to a post.
func Permalink(serverURL, postID string) string {
	return strings.TrimSuffix(serverURL, "/") + "/_redirect/pl/" + postID
}

// SpoilerFilename marks a filename as a spoiler.
func SpoilerFilename(name string) string {
	if strings.HasPrefix(name, spoilerPrefix) {
		return name
	}
	return spoilerPrefix + name
}

// ParseSpoilerFilename strips the spoiler marker from a filename and reports
// whether it was present.
func ParseSpoilerFilename(name string) (string, bool) {
	stripped, ok := strings.CutPrefix(name, spoilerPrefix)
	if !ok || stripped == "" {
		return name, false
	}
	return stripped, true
}
