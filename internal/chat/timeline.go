package chat

import (
	"cmp"
	"slices"

	"github.com/samber/lo"
)

// MergeTimeline returns confirmed messages together with queued and dead-lettered
// entries as one sequence ordered by (time, seq). A local entry whose idempotency
// key already belongs to a confirmed message is dropped, so a message that was
// delivered but not yet removed from the queue shows up once.
func MergeTimeline(confirmed []Message, queued []QueuedMessage, dead []DeadLetter) []TimelineEntry {
	delivered := lo.SliceToMap(confirmed, func(m Message) (string, struct{}) {
		return m.IdempotencyKey, struct{}{}
	})
	delete(delivered, "")

	entries := make([]TimelineEntry, 0, len(confirmed)+len(queued)+len(dead))
	for _, m := range confirmed {
		entries = append(entries, TimelineEntry{Message: m})
	}

	// Local entries have no store sequence; they are ordered after confirmed
	// messages with the same timestamp, in enqueue order.
	var localSeq int64
	local := func(q QueuedMessage, failed bool) {
		if _, ok := delivered[q.Payload.IdempotencyKey]; ok && q.Payload.IdempotencyKey != "" {
			return
		}
		localSeq++
		entries = append(entries, TimelineEntry{
			Message: Message{
				ID:             q.LocalID,
				ChatID:         q.ChatID,
				Seq:            -localSeq,
				SenderID:       q.Payload.SenderID,
				Type:           q.Payload.Type,
				Text:           q.Payload.Text,
				CreatedAt:      q.EnqueuedAt,
				IdempotencyKey: q.Payload.IdempotencyKey,
			},
			Pending: !failed,
			Failed:  failed,
		})
	}
	for _, q := range queued {
		local(q, false)
	}
	for _, d := range dead {
		local(d.QueuedMessage, true)
	}

	slices.SortStableFunc(entries, func(a, b TimelineEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		// Confirmed (positive seq) before local (negative seq), then by sequence.
		aLocal, bLocal := a.Seq < 0, b.Seq < 0
		if aLocal != bLocal {
			if aLocal {
				return 1
			}
			return -1
		}
		if aLocal {
			return cmp.Compare(-a.Seq, -b.Seq)
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	// Local sequence numbers are an ordering detail only.
	for i := range entries {
		if entries[i].Seq < 0 {
			entries[i].Seq = 0
		}
	}
	return entries
}

// SortMessages orders messages by (CreatedAt, Seq) ascending in place.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
