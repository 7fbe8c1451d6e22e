// Package funnel implements the scripted conversation engine for FunnelPipe.
//
// A funnel is a directed graph of message blocks; visitors walk it one exact
// match at a time. The engine itself is synchronous and stateless: every
// inbound event is one Advance call, and everything that must happen at most
// once (the affiliate DM, a scheduled nudge, closing an idle conversation)
// is guarded by a conditional store write rather than an in-process lock, so
// concurrent dispatchers and multiple processes stay safe.
package funnel

import (
	"context"
	"errors"
	"time"
)

// Shared engine errors. Callers wrap these with conversation context.
var (
	// ErrOrphanedConversation indicates a conversation whose current block no
	// longer exists in its funnel graph. The conversation is frozen: it is
	// never auto-repaired and never advanced.
	ErrOrphanedConversation = errors.New("conversation references a block missing from its funnel graph")

	// ErrStaleTransition indicates an advance lost the persistence race: the
	// conversation moved past the block the engine read before the write
	// landed. The computed transition is discarded, never applied on top.
	ErrStaleTransition = errors.New("conversation advanced concurrently, transition discarded")
)

// Clock abstracts time for the engine, the reaper and the re-prompt sweep so
// tests can drive schedules deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// MessageSender delivers a rendered message to a visitor. messaging.Service
// satisfies it; tests substitute fakes.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}
