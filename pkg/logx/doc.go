// Package logx is shiftboard's structured logging: a small value-type Logger
// over zerolog plus a Service whose sinks and level can be swapped at runtime
// on config reload.
//
// Stdout renders as human-readable console lines or as JSON; the optional
// log file is always JSON.
package logx
