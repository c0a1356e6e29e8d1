// Package progress aggregates weighted model asset load progress into a single
// percentage and estimates the time remaining. It has no timer or network side effects.
package progress
