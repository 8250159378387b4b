package notifier

import "time"

const (
	DetailOffline   = "no internet connection"
	DetailExhausted = "all retries failed"
)

type Reason int

const (
	ReasonDelivered Reason = iota
	// ReasonOffline: the cached status was offline; nothing was attempted.
	ReasonOffline
	// ReasonRejected: the channel refused the request; Detail is its reason.
	ReasonRejected
	// ReasonExhausted: every attempt failed transiently, or the sequence was
	// interrupted by context cancellation.
	ReasonExhausted
)

func (r Reason) String() string {
	switch r {
	case ReasonDelivered:
		return "delivered"
	case ReasonOffline:
		return "offline"
	case ReasonRejected:
		return "rejected"
	case ReasonExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Deferrable reports whether the message is worth keeping for a later
// flush: retrying later can plausibly help only when the network was at
// fault.
func (r Reason) Deferrable() bool {
	return r == ReasonOffline || r == ReasonExhausted
}

type Result struct {
	Delivered bool
	Detail    string
	Attempts  int
	Reason    Reason
	// Err is the last attempt's error, if any.
	Err error
}

// Config controls retries. Zero values take the defaults noted per field.
type Config struct {
	MaxAttempts    int           // total attempts, default 3
	InitialBackoff time.Duration // default 1s, doubles per retry
	MaxBackoff     time.Duration // default 30s
	RatePerSec     int           // 0 disables
	TextTimeout    time.Duration // default 10s
	PhotoTimeout   time.Duration // default 20s
	VideoTimeout   time.Duration // default 60s
	HistorySize    int           // default 50
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.TextTimeout <= 0 {
		c.TextTimeout = 10 * time.Second
	}
	if c.PhotoTimeout <= 0 {
		c.PhotoTimeout = 20 * time.Second
	}
	if c.VideoTimeout <= 0 {
		c.VideoTimeout = 60 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

type HistoryItem struct {
	At          time.Time
	Op          string
	RecipientID string
	Reason      Reason
	Attempts    int
	Detail      string
}

// Event is published on the event bus after every send.
type Event struct {
	Channel     string `json:"channel"`
	Op          string `json:"op"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
	Detail      string `json:"detail,omitempty"`
}
