package safestream

import "time"

// Config is SafeStreamConfig (spec §3): `buffer_capacity ≥ window_size ≥
// max_payload`; `window_size < 2^15` so modulo-2^16 sequence arithmetic
// stays unambiguous. In this type BufferCapacity and WindowSize count
// fragments while MaxPayload counts bytes per fragment.
type Config struct {
	BufferCapacity    int
	WindowSize        uint16
	MaxPayload        uint16
	MaxRepeatCount    int
	WaitConfirmTimeout time.Duration
	SendConfirmDelay   time.Duration
	SendRepeatTimeout  time.Duration
}

// DefaultConfig returns conservative defaults: a 32-fragment window inside
// a 256-fragment buffer (window_size ≤ buffer_capacity, window_size < 2^15)
// and fragments of at most 1024 bytes.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:     256,
		WindowSize:         32,
		MaxPayload:         1024,
		MaxRepeatCount:     5,
		WaitConfirmTimeout: 30 * time.Second,
		SendConfirmDelay:   50 * time.Millisecond,
		SendRepeatTimeout:  4 * time.Second,
	}
}
