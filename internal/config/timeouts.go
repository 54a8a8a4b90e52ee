// Package config loads, validates and persists the console settings, and holds
// the timing constants shared by the API client, the stream and shutdown.
package config

import "time"

const (
	// DefaultRequestTimeout applies when request_timeout is unset.
	DefaultRequestTimeout = 15 * time.Second
	// QuickOperationTimeout bounds identity lookups done at startup.
	QuickOperationTimeout = 10 * time.Second

	HTTPIdleConnTimeout = 90 * time.Second
	MaxIdleConns        = 10
	MaxIdleConnsPerHost = 5
)

// Admin writes are re-fetched until observed; the delay doubles up to MaxStaleReadInterval.
const (
	DefaultStaleReadAttempts = 5
	DefaultStaleReadInterval = 200 * time.Millisecond
	MaxStaleReadInterval     = 2 * time.Second
)

// Websocket status stream, used by both the client and the demo server.
const (
	StreamReconnectDelay = 5 * time.Second
	StreamPongWait       = 60 * time.Second
	StreamPingPeriod     = StreamPongWait * 9 / 10 // must stay below StreamPongWait
	StreamWriteWait      = 10 * time.Second
)

const (
	ShutdownTimeout        = 10 * time.Second
	ShutdownHandlerTimeout = 5 * time.Second
)

// Event bus channel buffers. Wildcard subscribers see every event, so they get more room.
const (
	EventChannelBufferSize    = 100
	EventChannelBufferSizeAll = 500
)
