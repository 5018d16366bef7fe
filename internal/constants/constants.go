// Package constants holds protocol-wide limits and timing constants shared
// by the cipher, packet, codec, connection, and dispatch packages.
package constants

import "time"

// Frame size limits (spec §6). A frame is header(4) + payload + signature(8).
const (
	// FrameHeaderSize is the 2-byte length + 2-byte type header.
	FrameHeaderSize = 4

	// SignatureSize is the trailing ASCII signature length.
	SignatureSize = 8

	// MinFrameSize is header+signature with zero payload (length field = 4).
	MinFrameSize = 12

	// MaxFrameSize is the largest frame (length+8) the wire protocol allows.
	MaxFrameSize = 1024

	// MaxPacketPayload is the largest header length field (header + payload,
	// signature excluded) a frame within MaxFrameSize can declare.
	MaxPacketPayload = MaxFrameSize - SignatureSize
)

// Frame signatures, ASCII, exactly 8 bytes, no NUL terminator.
const (
	ClientSignature = "TQClient"
	ServerSignature = "TQServer"
)

// SeedCipherKey is the fixed ASCII key used before the handshake completes.
const SeedCipherKey = "R3Xx97ra5j8D6uZz"

// DHExchangePacketType is the packet type identifier the server's first,
// seed-encrypted frame uses to carry P, G, and its DH public key.
const DHExchangePacketType = 0x0001

// Codec limits (spec §4.4).
const MaxFramesPerCodecCall = 10

// Timeouts (spec §5).
const (
	HandshakeTimeout = 10 * time.Second
	IdleTimeout      = 5 * time.Minute
	HealthCheckTick  = 30 * time.Second
)

// Connection error and backoff policy (spec §4.5).
const (
	MaxConsecutiveErrors = 5
	NonFatalReadBackoff  = 10 * time.Millisecond
	SendRetryAttempts    = 3
	SendRetryBaseBackoff = 10 * time.Millisecond
	LingerDrain          = 100 * time.Millisecond
)

// Outbound queue (spec §3).
const OutboundQueueCapacity = 100

// Rate limiting / flood / diversity detection (spec §4.7).
const (
	MaxPacketsPerSecond  = 100
	FloodWindow          = 100 * time.Millisecond
	FloodThreshold       = 10
	DiversityWindow      = time.Minute
	DiversityThreshold   = 50
)

// Slow-packet accounting (spec §3, §4.7).
const (
	SlowPacketThreshold     = 100 * time.Millisecond
	VerySlowPacketThreshold = 500 * time.Millisecond
	SlowPacketWindow        = 5 * time.Minute
)

// Metrics reporting cadence (spec §4.7).
const MetricsReportInterval = 5 * time.Minute

// Buffer pool defaults.
const (
	DefaultReadBufSize  = 2048
	DefaultSendBufSize  = 1024
	DefaultScratchBufSize = 1024
)
