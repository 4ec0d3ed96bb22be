package shoutcast

import (
	"fmt"
	"io"
	"mime"
	"strings"
)

const maxPlaylistSize = 64 * 1024

// ParsePLS parses a PLS playlist and returns the first FileN= entry.
func ParsePLS(body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok || !strings.HasPrefix(strings.ToLower(key), "file") {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// ParseM3U parses an M3U playlist and returns the first stream URL.
func ParseM3U(body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

// IsPLSContentType reports whether a Content-Type names a PLS playlist.
func IsPLSContentType(contentType string) bool {
	switch mediaType(contentType) {
	case "audio/x-scpls", "audio/scpls", "application/pls+xml", "application/pls":
		return true
	}
	return false
}

// IsM3UContentType reports whether a Content-Type names an M3U playlist.
func IsM3UContentType(contentType string) bool {
	switch mediaType(contentType) {
	case "audio/mpegurl", "audio/x-mpegurl", "application/x-mpegurl", "application/vnd.apple.mpegurl":
		return true
	}
	return false
}

// PlaylistFormat names the playlist syntax a response body carries.
type PlaylistFormat int

const (
	NotPlaylist PlaylistFormat = iota
	PLS
	M3U
)

// DetectPlaylist judges a response by Content-Type first. A path ending in
// .pls, .m3u or .m3u8 only counts when the type is not already audio.
func DetectPlaylist(contentType, path string) PlaylistFormat {
	switch {
	case IsPLSContentType(contentType):
		return PLS
	case IsM3UContentType(contentType):
		return M3U
	case IsAudioContentType(contentType):
		return NotPlaylist
	}

	p := strings.ToLower(path)
	switch {
	case strings.HasSuffix(p, ".pls"):
		return PLS
	case strings.HasSuffix(p, ".m3u"), strings.HasSuffix(p, ".m3u8"):
		return M3U
	}
	return NotPlaylist
}

// Parse returns the first stream entry of body.
func (f PlaylistFormat) Parse(body io.Reader) (string, error) {
	switch f {
	case PLS:
		return ParsePLS(body)
	case M3U:
		return ParseM3U(body)
	}
	return "", fmt.Errorf("not a playlist")
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
