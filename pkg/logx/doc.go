// Package logx is medwatch's logging layer over zerolog: readable console
// lines with a short caller, JSON in the log file, and an optional
// rate-limited chat sink that forwards warnings to the operator.
package logx
