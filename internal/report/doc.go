// Package report synthesizes the final competitive analysis for an order.
//
// It gathers every transcript and vision artifact of the order's media
// files, asks the report model for recommendations, and stores a JSON
// document combining per-stream statistics with the model's analysis.
package report
