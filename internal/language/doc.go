// Package language normalizes language settings and display labels.
//
// Codes and names are resolved through golang.org/x/text/language so
// transcription can accept "zh", "zho", "zh-Hans" or "mandarin" alike and hand
// WhisperX the ISO 639-1 code it expects.
package language
