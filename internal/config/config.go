// Package config holds the tunable knobs for the reactor core, following
// the teacher's flat-struct-with-defaults convention (no flags/viper/env
// binding machinery at this layer — cmd/ binaries own that).
package config

import "time"

// Numeric defaults from spec.md §6.
const (
	DefaultPollTimeout      = 10 * time.Second
	DefaultEventListSize    = 16
	DefaultBufferInitSize   = 1024
	DefaultBufferPrependLen = 8
	DefaultHighWaterMark    = 64 << 20 // 64 MiB
	DefaultListenBacklog    = 1024
)

// ServerConfig configures a TcpServer.
type ServerConfig struct {
	Name string // server name, used as the connection-name prefix

	ThreadNum int // size of the I/O loop pool; 0 means connections stay on the base loop

	ReusePort bool // SO_REUSEPORT on the listening socket
	NoDelay   bool // TCP_NODELAY on accepted sockets

	HighWaterMark int64 // default output-buffer HWM threshold for accepted connections
}

// DefaultServerConfig returns a ServerConfig with spec.md's numeric defaults.
func DefaultServerConfig(name string) ServerConfig {
	return ServerConfig{
		Name:          name,
		ThreadNum:     0,
		ReusePort:     false,
		NoDelay:       true,
		HighWaterMark: DefaultHighWaterMark,
	}
}

// ClientConfig configures a TcpClient.
type ClientConfig struct {
	Name string

	NoDelay       bool
	HighWaterMark int64
	EnableRetry   bool // see spec.md §9: retry is a recorded future addition, default off
}

// DefaultClientConfig returns a ClientConfig with spec.md's numeric defaults.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:          name,
		NoDelay:       true,
		HighWaterMark: DefaultHighWaterMark,
		EnableRetry:   false,
	}
}
