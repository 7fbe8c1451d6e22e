package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// ErrServiceStopped is returned when a send is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

const (
	// DefaultChannelBufferSize is the buffer on the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit may wait on a saturated channel.
	DefaultChannelTimeout = 1 * time.Second
)

// phoneNumberRegex strips everything that is not a digit when canonicalizing
// phone numbers.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]+`)

// minPhoneDigits is the shortest digit string accepted as a phone number.
const minPhoneDigits = 6

// Service is the transport the funnel engine sends through. Implementations
// push delivery receipts and inbound visitor messages onto the channels;
// the funnel router consumes both.
type Service interface {
	// ValidateAndCanonicalizeRecipient maps a recipient identifier to the
	// transport's canonical form, or rejects it.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers body to the canonical recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins event intake. It must be called before Receipts or
	// Responses carry anything.
	Start(ctx context.Context) error

	// Stop halts event intake and closes both channels.
	Stop() error

	// Receipts streams delivery status changes for outbound messages.
	Receipts() <-chan models.Receipt

	// Responses streams inbound visitor messages.
	Responses() <-chan models.Response
}

// stopGate coordinates shutdown between emitters and Stop: emitters check
// Stopped before touching a channel, and the channels are closed only after
// a grace period so in-flight emits that passed the check do not hit a
// closed channel.
type stopGate struct {
	mu      sync.RWMutex
	stopped bool
}

// Stop marks the gate stopped. It returns false if it already was.
func (g *stopGate) Stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.stopped = true
	return true
}

func (g *stopGate) Stopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// closeGrace is how long Stop waits before closing event channels.
const closeGrace = 50 * time.Millisecond

// emitOrDrop delivers v unless the consumer stays saturated past timeout.
// Receipts and responses are advisory, so dropping beats blocking a
// transport callback.
func emitOrDrop[T any](ch chan<- T, v T, timeout time.Duration) bool {
	select {
	case ch <- v:
		return true
	case <-time.After(timeout):
		return false
	}
}

// canonicalizePhoneNumber reduces a recipient to bare digits. Formatting
// characters such as +, spaces, dashes and parentheses are stripped, so
// "+1 (555) 000-1111" and "15550001111" name the same visitor.
func canonicalizePhoneNumber(recipient string) (string, error) {
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	switch {
	case recipient == "":
		return "", errors.New("recipient is empty")
	case canonical == "":
		return "", fmt.Errorf("recipient %q contains no digits", recipient)
	case len(canonical) < minPhoneDigits:
		return "", fmt.Errorf("phone number %q has fewer than %d digits", canonical, minPhoneDigits)
	}

	if canonical != recipient {
		slog.Debug("messaging: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
