// Package logx is taskmesh's logging layer over zerolog.
//
// Components take a Logger value and derive their own with Component or With.
// The Service behind the root Logger can switch level and sinks at runtime
// (console or JSON on stdout, JSON lines in a file) without handing out new
// loggers.
package logx
