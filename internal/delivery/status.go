package delivery

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// ComputeStatus classifies a message from the point of view of its sender.
// A message still in the offline queue is pending whatever its seen-by set
// says. It returns "" when viewerID did not send msg.
func ComputeStatus(msg chat.Message, viewerID, otherID string) chat.DeliveryStatus {
	if viewerID == "" || msg.SenderID != viewerID {
		return ""
	}
	if chat.IsPending(msg.ID) {
		return chat.StatusPending
	}
	if otherID != "" && slices.Contains(msg.SeenBy, otherID) {
		return chat.StatusSeen
	}
	return chat.StatusSent
}

// ComputeEntryStatus is ComputeStatus for a merged timeline entry, reporting
// dead letters as failed.
func ComputeEntryStatus(entry chat.TimelineEntry, viewerID, otherID string) chat.DeliveryStatus {
	if viewerID == "" || entry.SenderID != viewerID {
		return ""
	}
	if entry.Failed {
		return chat.StatusFailed
	}
	if entry.Pending {
		return chat.StatusPending
	}
	return ComputeStatus(entry.Message, viewerID, otherID)
}
