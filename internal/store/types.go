package store

import (
	"time"

	"github.com/roach88/dawsync/internal/audio"
)

// Broadcast outcomes.
const (
	StatusAcked  = "acked"
	StatusFailed = "failed"
)

// Session is one recorded run.
type Session struct {
	ID                string
	Label             string
	RefreshIntervalMS int64
	StartedAt         time.Time
}

// BroadcastRecord is one BroadcastFragments call.
type BroadcastRecord struct {
	ID         string
	SessionID  string
	Seq        int64
	IntervalMS int64
	ArenaSize  uint32
	Fragments  []audio.Fragment
	Status     string
	Error      string
}

// Layout rebuilds the broadcast layout.
func (r BroadcastRecord) Layout() audio.Layout {
	return audio.Layout{Size: r.ArenaSize, Fragments: r.Fragments}
}

// DeliveryRecord is one buffer delivery.
type DeliveryRecord struct {
	SessionID string
	Seq       int64
	Size      int
}
