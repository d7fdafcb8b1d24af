// Package batcher coalesces fine-grained time-series queries issued within a
// short accumulation window into as few fetch requests as possible.
//
// A fetch backend can usually serve many series and metrics in a single call
// as long as the collection and the time parameters (start timestamp and
// window limit) are identical. Batcher groups queries on exactly those
// dimensions, issues one fetch per group and hands every caller back the
// points of its own (series, metric) pair.
//
// The window starts with the first query of a batch and is not extended by
// later ones. When it elapses, the batch is swapped for a fresh one before
// any fetch is issued, so queries arriving while fetches are in flight land
// in the next batch.
package batcher
