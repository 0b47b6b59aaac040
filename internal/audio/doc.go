// Package audio handles per-speaker track buffering and format conversion.
// It implements timeline placement of PCM frames by capture instant with
// silence-preserving gaps, Opus packet decoding, and WAV container encoding
// for exported tracks.
package audio
