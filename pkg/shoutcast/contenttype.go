package shoutcast

import (
	"net/http"
	"strings"
)

// DefaultContentType is sent downstream when the upstream gives nothing better.
const DefaultContentType = "audio/mpeg"

// HasICYHeaders reports whether any icy-* header is present.
func HasICYHeaders(h http.Header) bool {
	for k := range h {
		if strings.HasPrefix(strings.ToLower(k), "icy-") {
			return true
		}
	}
	return false
}

// LooksLikeAudio decides whether a response is worth streaming: no
// Content-Type at all, an audio type, a generic binary type, or any icy-*
// header. Playlists are never audio even though they use audio/* types.
func LooksLikeAudio(h http.Header) bool {
	ct := h.Get("Content-Type")
	if strings.TrimSpace(ct) == "" {
		return true
	}
	if IsPLSContentType(ct) || IsM3UContentType(ct) {
		return false
	}
	if IsAudioContentType(ct) {
		return true
	}
	if mediaType(ct) == "application/octet-stream" {
		return true
	}
	return HasICYHeaders(h)
}

// IsAudioContentType reports whether contentType is audio/* or ogg.
func IsAudioContentType(contentType string) bool {
	mt := mediaType(contentType)
	return strings.HasPrefix(mt, "audio/") || mt == "application/ogg"
}

// NegotiateContentType returns the upstream Content-Type when it is audio,
// DefaultContentType otherwise.
func NegotiateContentType(h http.Header) string {
	if h == nil {
		return DefaultContentType
	}
	ct := strings.TrimSpace(h.Get("Content-Type"))
	if ct != "" && IsAudioContentType(ct) && !IsPLSContentType(ct) && !IsM3UContentType(ct) {
		return ct
	}
	return DefaultContentType
}
