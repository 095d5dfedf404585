// Package sendstate implements the per-recipient delivery status model for
// outgoing messages: an ordered status enum, the pure reducer that folds
// receipt and retry signals into a recipient's status, and aggregate queries
// over a message's recipient fan-out. Nothing in this package performs I/O;
// persistence and event intake live in the surrounding services.
package sendstate

import "time"

// SendStatus is one recipient's delivery status for one outgoing message.
// Statuses are totally ordered by progress:
//
//	failed < pending < sent < delivered < read < viewed
//
// Failed ranks lowest despite being chronologically "after" pending: the
// order reflects recoverability, not time. A failed send can be retried and
// move forward; a successful status is never demoted by a stale failure
// signal from an earlier attempt.
type SendStatus string

const (
	StatusFailed    SendStatus = "failed"
	StatusPending   SendStatus = "pending"
	StatusSent      SendStatus = "sent"
	StatusDelivered SendStatus = "delivered"
	StatusRead      SendStatus = "read"
	StatusViewed    SendStatus = "viewed"
)

// statusRank is the single source of truth for progress order. Every
// comparison in this package goes through it; nothing compares status
// strings directly.
var statusRank = map[SendStatus]int{
	StatusFailed:    0,
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusViewed:    5,
}

// Rank returns the progress rank of s. Unknown statuses (corrupt or legacy
// persisted values) rank below StatusFailed so that any genuine signal moves
// them forward instead of being dropped.
func Rank(s SendStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// MaxStatus returns whichever status has the higher progress rank, the
// shared value when equal. Used to fold statuses across recipients for
// summary display.
func MaxStatus(a, b SendStatus) SendStatus {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// IsSent reports whether the message has at least left the sending device
// for this recipient. False for pending and failed.
func IsSent(s SendStatus) bool { return Rank(s) >= statusRank[StatusSent] }

// IsDelivered reports delivery to the recipient's device or better.
func IsDelivered(s SendStatus) bool { return Rank(s) >= statusRank[StatusDelivered] }

// IsRead reports that the recipient has read the message or better.
func IsRead(s SendStatus) bool { return Rank(s) >= statusRank[StatusRead] }

// IsViewed reports that the recipient has viewed the message's media.
func IsViewed(s SendStatus) bool { return Rank(s) >= statusRank[StatusViewed] }

// SendState is one recipient's latest known delivery status for one message.
// UpdatedAt is the logical time of the event that produced the status; nil
// for legacy records written before timestamps were tracked.
type SendState struct {
	Status    SendStatus `json:"status"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ActionType identifies an inbound delivery signal.
type ActionType string

const (
	ActionFailed             ActionType = "failed"
	ActionManuallyRetried    ActionType = "manually_retried"
	ActionSent               ActionType = "sent"
	ActionGotDeliveryReceipt ActionType = "delivery_receipt"
	ActionGotReadReceipt     ActionType = "read_receipt"
	ActionGotViewedReceipt   ActionType = "viewed_receipt"
)

// actionTarget maps each action to the status it drives toward. ActionFailed
// is absent on purpose: failure may only re-enter from pending and is
// special-cased in Reduce.
var actionTarget = map[ActionType]SendStatus{
	ActionManuallyRetried:    StatusPending,
	ActionSent:               StatusSent,
	ActionGotDeliveryReceipt: StatusDelivered,
	ActionGotReadReceipt:     StatusRead,
	ActionGotViewedReceipt:   StatusViewed,
}

// ParseActionType returns the ActionType for a wire string and whether it is
// one this package knows.
func ParseActionType(s string) (ActionType, bool) {
	t := ActionType(s)
	_, ok := actionTarget[t]
	if ok || t == ActionFailed {
		return t, true
	}
	return "", false
}

// SendAction is an inbound signal for one (message, recipient) pair:
// a server ack, a receipt from the recipient's device, or a manual retry.
// UpdatedAt may be nil for legacy actions that carry no timestamp.
type SendAction struct {
	Type      ActionType `json:"type"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Reduce applies an action to a recipient's send state. It is pure, total
// and deterministic: every (state, action) pair is defined and no input
// can make it fail.
//
// A transition only happens when the action's target status has a strictly
// higher progress rank than the current one, with a single exception:
// ActionFailed moves pending to failed even though failed ranks lower.
// Everything else — duplicate receipts, receipts arriving out of order,
// stale failure signals after a successful retry — is a no-op that returns
// the state unchanged, UpdatedAt included. This makes receipt application
// idempotent and order-insensitive: any permutation or duplication of the
// same event set converges to the same final state.
//
// On a transition the action's UpdatedAt replaces the state's, even when
// nil; absence propagates rather than preserving a stale timestamp.
func Reduce(state SendState, action SendAction) SendState {
	if action.Type == ActionFailed {
		if state.Status == StatusPending {
			return SendState{Status: StatusFailed, UpdatedAt: action.UpdatedAt}
		}
		return state
	}

	target, ok := actionTarget[action.Type]
	if !ok {
		return state
	}
	if Rank(target) > Rank(state.Status) {
		return SendState{Status: target, UpdatedAt: action.UpdatedAt}
	}
	return state
}
