// Package util provides small helpers shared across FunnelPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// conversationIDPrefix distinguishes conversation IDs from the UUIDs the
// store assigns to registered entities like funnels and resources.
const conversationIDPrefix = "conv_"

const conversationIDHexLen = 32

const hexDigits = "0123456789abcdef"

// GenerateConversationID returns a new identifier for a conversation row:
// 32 hex characters behind a "conv_" prefix. The IDs need uniqueness, not
// unpredictability.
func GenerateConversationID() string {
	var b strings.Builder
	b.Grow(len(conversationIDPrefix) + conversationIDHexLen)
	b.WriteString(conversationIDPrefix)
	for i := 0; i < conversationIDHexLen; i++ {
		b.WriteByte(hexDigits[rand.IntN(len(hexDigits))])
	}
	return b.String()
}
