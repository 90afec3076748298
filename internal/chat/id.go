package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PendingPrefix marks ids handed out by the offline queue.
const PendingPrefix = "pending_"

// ID returns the chat id for a pair of users. It does not depend on argument order.
func ID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Participants returns the sorted pair for a and b.
func Participants(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// IDHasParticipant reports whether userID is one of the pair id was built
// from by ID. It needs no store access.
func IDHasParticipant(id, userID string) bool {
	if userID == "" {
		return false
	}
	if other, ok := strings.CutPrefix(id, userID+"_"); ok && other != "" && ID(userID, other) == id {
		return true
	}
	if other, ok := strings.CutSuffix(id, "_"+userID); ok && other != "" && ID(other, userID) == id {
		return true
	}
	return false
}

// NewPendingID returns a fresh id in the offline-queue namespace.
func NewPendingID() string {
	return PendingPrefix + uuid.NewString()
}

// IsPending reports whether id belongs to the offline-queue namespace.
func IsPending(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}

// IdempotencyKey derives a stable key from the draft content and its client timestamp.
func IdempotencyKey(d Draft) string {
	h := sha256.New()
	for _, part := range []string{
		d.SenderID,
		string(d.Type),
		d.Text,
		strconv.FormatInt(d.ClientSentAt.UnixNano(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
