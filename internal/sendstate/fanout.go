package sendstate

import "sort"

// StateByConversationID is one outgoing message's full delivery fan-out:
// recipient conversation id -> that recipient's send state. A message owns
// exactly one of these; it is created with every recipient at StatusPending
// when the message is composed and dies with the message record.
//
// Callers replace entries atomically (load, Reduce, store) — the map itself
// is a plain value with no locking.
type StateByConversationID map[string]SendState

// SomeSendStatus reports whether at least one recipient's status satisfies
// pred. A nil or empty map is vacuously false, never an error: aggregate
// queries must tolerate malformed or missing persisted state.
func SomeSendStatus(states StateByConversationID, pred func(SendStatus) bool) bool {
	for _, st := range states {
		if pred(st.Status) {
			return true
		}
	}
	return false
}

// CountWhere returns how many recipients' statuses satisfy pred.
func CountWhere(states StateByConversationID, pred func(SendStatus) bool) int {
	n := 0
	for _, st := range states {
		if pred(st.Status) {
			n++
		}
	}
	return n
}

// IsMessageJustForMe reports whether the message was sent only to the
// sender's own conversation (a note-to-self). True iff the fan-out has
// exactly one entry and its key is ownConversationID. A single-entry map
// keyed by some other id is malformed upstream state — own id changed, or a
// stale record — and deliberately yields false rather than an error so that
// legacy data keeps rendering.
func IsMessageJustForMe(states StateByConversationID, ownConversationID string) bool {
	if len(states) != 1 {
		return false
	}
	_, ok := states[ownConversationID]
	return ok
}

// Fold returns the highest progress rank found across all recipients, for
// the conversation-level summary row. An empty or nil fan-out folds to
// StatusPending: a message that has not fanned out is at best pending.
func Fold(states StateByConversationID) SendStatus {
	out := StatusPending
	first := true
	for _, st := range states {
		if first {
			out = st.Status
			first = false
			continue
		}
		out = MaxStatus(out, st.Status)
	}
	return out
}

// FailedRecipients returns the conversation ids currently in StatusFailed,
// sorted, for the retry affordance in the UI.
func FailedRecipients(states StateByConversationID) []string {
	var ids []string
	for id, st := range states {
		if st.Status == StatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
