// Package logx is qotdbot's structured logging: a value-type Logger over
// zerolog whose sinks (console, JSON file) can be swapped at runtime by
// Service.Apply when the config is reloaded.
package logx
