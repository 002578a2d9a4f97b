// Package audio converts captured device buffers into the canonical mono 16 kHz
// float stream, meters loudness for visualisation and accumulates the samples of
// the active dictation session.
package audio
