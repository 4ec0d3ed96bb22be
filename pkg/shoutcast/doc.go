// Package shoutcast provides the ICY/Shoutcast pieces of the relay that do not touch the network:
//   - Metadata stripping: a resumable state machine that removes inline ICY metadata blocks from an
//     arbitrarily chunked body so only audio bytes remain
//   - Playlist parsing: .pls and .m3u bodies are reduced to their first stream URL
//   - Content-type classification for deciding whether an upstream answered with audio
package shoutcast
