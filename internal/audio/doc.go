// Package audio holds the PCM plumbing between captured or uploaded audio and
// the inference engine: 16-bit little-endian decoding, float conversion, the
// bounded capture accumulator, WAV containers and fixed-length segmenting.
package audio
