package transport

import "errors"

// ErrConnectionClosed is returned by Send once the connection has begun
// teardown. Callers treat it as a delivery failure, not a protocol error.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull is returned by Send when the outbound queue is at
// capacity, meaning the client is not draining its write pump. Callers
// decide whether to drop the frame or drop the client.
var ErrSendBufferFull = errors.New("send buffer full")
