package consts

import "time"

// Buffer sizes for socket and protocol reads
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize4KB is the default receive chunk of a buffered reader
	BufferSize4KB = 4 * 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
	// BufferSize32MB is 32 megabytes
	BufferSize32MB = 32 * 1024 * 1024
)

// Request limits
const (
	// MaxHeaderBytes caps the request line plus header block
	MaxHeaderBytes = BufferSize64KB
	// MaxLineBytes caps a single header line
	MaxLineBytes = 8 * BufferSize1KB
	// MaxBodyBytes caps a request body
	MaxBodyBytes = BufferSize32MB
	// MaxStaticCacheBytes is the largest file kept in the static file cache
	MaxStaticCacheBytes = BufferSize1MB
	// MaxStaticCacheTotalBytes caps the static file cache as a whole
	MaxStaticCacheTotalBytes = 64 * BufferSize1MB
	// MinCompressSize is the smallest response body worth compressing
	MinCompressSize = 256
)

// Worker pool and listener defaults
const (
	// DefaultPoolSize is the default number of connection workers
	DefaultPoolSize = 16
	// DefaultListenerThreads is the default number of accept loops per port
	DefaultListenerThreads = 1
)

// Timeouts for various operations
const (
	// PollInterval is the would-block wait of a buffered reader
	PollInterval = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is the default request timeout
	Timeout30Seconds = 30 * time.Second
)

// Accept loop backoff
const (
	// AcceptBackoffMin is the first delay after a transient accept error
	AcceptBackoffMin = 5 * time.Millisecond
	// AcceptBackoffMax caps the accept backoff
	AcceptBackoffMax = 1 * time.Second
)
