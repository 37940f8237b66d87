// Package drapto integrates the Drapto Go library as an alternative transcode
// backend.
//
// Library calls Drapto directly and a reporter adapter flattens Drapto's
// Reporter callbacks into ProgressUpdate values. A Percent of -1 marks
// updates that carry no progress.
package drapto
