// Package transcoder provides the conversion strategies that turn an input
// video into a WebM file.
//
// Three strategies are provided, tried in this order by the conversion
// orchestrator:
//   - ProcessEncoder runs the FFmpeg binary (VP9/Opus) and maps its
//     -progress output onto 5..90 percent
//   - LibraryEncoder decodes and re-encodes in-process through libav
//     (VP9/Vorbis), reporting every 10 frames on 40..90 percent
//   - RawCopy copies the input bytes unchanged
//
// Strategies only report intermediate progress; terminal events belong to
// the caller.
package transcoder
