package rpc

import "time"

const (
	ContentTypeJSON = "application/json"

	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-Id"

	// metadata travels as headers carrying this prefix
	MetadataHeaderPrefix = "X-Rpc-Meta-"
)

const (
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultPingTimeout       = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)
