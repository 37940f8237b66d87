// Package whisperx wraps the WhisperX command line for stream transcription.
//
// ExtractAudio prepares a mono 16kHz WAV with ffmpeg, TranscribeFile runs
// WhisperX through uvx and loads the JSON result. Both go through a
// stageexec.Runner so stage timeouts kill the whole process group.
package whisperx
