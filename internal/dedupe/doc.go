// Package dedupe tracks recently seen transport event ids so that a
// redelivered inbound event is processed at most once within a configurable
// retention window.
package dedupe
