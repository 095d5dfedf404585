package sendstate

import (
	"testing"
	"time"
)

var allStatuses = []SendStatus{
	StatusFailed, StatusPending, StatusSent, StatusDelivered, StatusRead, StatusViewed,
}

var allActions = []ActionType{
	ActionFailed, ActionManuallyRetried, ActionSent,
	ActionGotDeliveryReceipt, ActionGotReadReceipt, ActionGotViewedReceipt,
}

func ts(ms int64) *time.Time {
	t := time.UnixMilli(ms).UTC()
	return &t
}

func TestMaxStatusIdempotent(t *testing.T) {
	for _, s := range allStatuses {
		if got := MaxStatus(s, s); got != s {
			t.Fatalf("MaxStatus(%s, %s)=%s", s, s, got)
		}
	}
}

func TestMaxStatusCommutativeAndRanked(t *testing.T) {
	for i, a := range allStatuses {
		for j, b := range allStatuses {
			ab := MaxStatus(a, b)
			ba := MaxStatus(b, a)
			if ab != ba {
				t.Fatalf("MaxStatus not commutative: (%s,%s)=%s, (%s,%s)=%s", a, b, ab, b, a, ba)
			}
			want := a
			if j > i {
				want = b
			}
			if ab != want {
				t.Fatalf("MaxStatus(%s,%s)=%s, expected %s", a, b, ab, want)
			}
		}
	}
}

func TestRankUnknownStatus(t *testing.T) {
	if Rank(SendStatus("garbled")) != -1 {
		t.Fatalf("unknown status should rank below failed")
	}
	if got := MaxStatus(SendStatus("garbled"), StatusFailed); got != StatusFailed {
		t.Fatalf("MaxStatus(garbled, failed)=%s", got)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		status    SendStatus
		sent      bool
		delivered bool
		read      bool
		viewed    bool
	}{
		{StatusFailed, false, false, false, false},
		{StatusPending, false, false, false, false},
		{StatusSent, true, false, false, false},
		{StatusDelivered, true, true, false, false},
		{StatusRead, true, true, true, false},
		{StatusViewed, true, true, true, true},
	}

	for _, tc := range cases {
		if got := IsSent(tc.status); got != tc.sent {
			t.Errorf("IsSent(%s)=%v, expected %v", tc.status, got, tc.sent)
		}
		if got := IsDelivered(tc.status); got != tc.delivered {
			t.Errorf("IsDelivered(%s)=%v, expected %v", tc.status, got, tc.delivered)
		}
		if got := IsRead(tc.status); got != tc.read {
			t.Errorf("IsRead(%s)=%v, expected %v", tc.status, got, tc.read)
		}
		if got := IsViewed(tc.status); got != tc.viewed {
			t.Errorf("IsViewed(%s)=%v, expected %v", tc.status, got, tc.viewed)
		}
	}
}

// TestReduceTransitionTable enumerates the full status x action grid.
// Expected values transcribe the transition table; "" means no-op.
func TestReduceTransitionTable(t *testing.T) {
	table := map[SendStatus]map[ActionType]SendStatus{
		StatusPending: {
			ActionFailed:             StatusFailed,
			ActionSent:               StatusSent,
			ActionGotDeliveryReceipt: StatusDelivered,
			ActionGotReadReceipt:     StatusRead,
			ActionGotViewedReceipt:   StatusViewed,
		},
		StatusFailed: {
			ActionManuallyRetried:    StatusPending,
			ActionSent:               StatusSent,
			ActionGotDeliveryReceipt: StatusDelivered,
			ActionGotReadReceipt:     StatusRead,
			ActionGotViewedReceipt:   StatusViewed,
		},
		StatusSent: {
			ActionGotDeliveryReceipt: StatusDelivered,
			ActionGotReadReceipt:     StatusRead,
			ActionGotViewedReceipt:   StatusViewed,
		},
		StatusDelivered: {
			ActionGotReadReceipt:   StatusRead,
			ActionGotViewedReceipt: StatusViewed,
		},
		StatusRead: {
			ActionGotViewedReceipt: StatusViewed,
		},
		StatusViewed: {},
	}

	before := ts(100)
	after := ts(200)

	for _, from := range allStatuses {
		for _, action := range allActions {
			state := SendState{Status: from, UpdatedAt: before}
			got := Reduce(state, SendAction{Type: action, UpdatedAt: after})

			want, transitions := table[from][action]
			if transitions {
				if got.Status != want {
					t.Errorf("Reduce(%s, %s) status=%s, expected %s", from, action, got.Status, want)
				}
				if got.UpdatedAt == nil || !got.UpdatedAt.Equal(*after) {
					t.Errorf("Reduce(%s, %s) should take the action's timestamp", from, action)
				}
			} else {
				if got != state {
					t.Errorf("Reduce(%s, %s) should be a no-op, got %+v", from, action, got)
				}
			}
		}
	}
}

func TestReduceIdempotent(t *testing.T) {
	for _, from := range allStatuses {
		for _, action := range allActions {
			a := SendAction{Type: action, UpdatedAt: ts(42)}
			once := Reduce(SendState{Status: from, UpdatedAt: ts(1)}, a)
			twice := Reduce(once, a)
			if twice != once {
				t.Errorf("applying %s twice from %s diverged: %+v vs %+v", action, from, twice, once)
			}
		}
	}
}

func TestReduceMonotonicExceptFailedReentry(t *testing.T) {
	for _, from := range allStatuses {
		for _, action := range allActions {
			got := Reduce(SendState{Status: from}, SendAction{Type: action})
			if action == ActionFailed {
				continue // the one sanctioned demotion, covered by the table test
			}
			if Rank(got.Status) < Rank(from) {
				t.Errorf("Reduce(%s, %s) regressed to %s", from, action, got.Status)
			}
		}
	}
}

func TestReduceScenarios(t *testing.T) {
	t.Run("pending fails with the failure's timestamp", func(t *testing.T) {
		got := Reduce(SendState{Status: StatusPending, UpdatedAt: ts(999)}, SendAction{Type: ActionFailed, UpdatedAt: ts(123)})
		if got.Status != StatusFailed || got.UpdatedAt == nil || got.UpdatedAt.UnixMilli() != 123 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("repeated failure keeps the original timestamp", func(t *testing.T) {
		got := Reduce(SendState{Status: StatusFailed, UpdatedAt: ts(123)}, SendAction{Type: ActionFailed, UpdatedAt: ts(999)})
		if got.Status != StatusFailed || got.UpdatedAt == nil || got.UpdatedAt.UnixMilli() != 123 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("delivery receipt advances sent", func(t *testing.T) {
		got := Reduce(SendState{Status: StatusSent, UpdatedAt: ts(1)}, SendAction{Type: ActionGotDeliveryReceipt, UpdatedAt: ts(2)})
		if got.Status != StatusDelivered || got.UpdatedAt.UnixMilli() != 2 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("duplicate viewed receipt is a no-op", func(t *testing.T) {
		orig := ts(1)
		got := Reduce(SendState{Status: StatusViewed, UpdatedAt: orig}, SendAction{Type: ActionGotViewedReceipt, UpdatedAt: ts(2)})
		if got.Status != StatusViewed || got.UpdatedAt != orig {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("timestamp absence propagates on transition", func(t *testing.T) {
		got := Reduce(SendState{Status: StatusPending, UpdatedAt: ts(1)}, SendAction{Type: ActionSent})
		if got.Status != StatusSent || got.UpdatedAt != nil {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("manual retry reopens a failed send", func(t *testing.T) {
		got := Reduce(SendState{Status: StatusFailed, UpdatedAt: ts(1)}, SendAction{Type: ActionManuallyRetried, UpdatedAt: ts(5)})
		if got.Status != StatusPending || got.UpdatedAt.UnixMilli() != 5 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("stale failure never demotes a delivered send", func(t *testing.T) {
		orig := ts(7)
		got := Reduce(SendState{Status: StatusDelivered, UpdatedAt: orig}, SendAction{Type: ActionFailed, UpdatedAt: ts(9)})
		if got.Status != StatusDelivered || got.UpdatedAt != orig {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("unknown action is a no-op", func(t *testing.T) {
		state := SendState{Status: StatusSent, UpdatedAt: ts(3)}
		if got := Reduce(state, SendAction{Type: ActionType("poke")}); got != state {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestReduceConvergesUnderReordering(t *testing.T) {
	actions := []SendAction{
		{Type: ActionGotReadReceipt, UpdatedAt: ts(30)},
		{Type: ActionSent, UpdatedAt: ts(10)},
		{Type: ActionGotDeliveryReceipt, UpdatedAt: ts(20)},
		{Type: ActionGotDeliveryReceipt, UpdatedAt: ts(21)}, // duplicate
	}

	// Any permutation of the same event set must land on read.
	perms := [][]int{{0, 1, 2, 3}, {1, 2, 0, 3}, {3, 2, 1, 0}, {2, 3, 0, 1}}
	for _, order := range perms {
		state := SendState{Status: StatusPending}
		for _, i := range order {
			state = Reduce(state, actions[i])
		}
		if state.Status != StatusRead {
			t.Fatalf("order %v ended at %s, expected read", order, state.Status)
		}
	}
}

func TestParseActionType(t *testing.T) {
	for _, a := range allActions {
		got, ok := ParseActionType(string(a))
		if !ok || got != a {
			t.Fatalf("ParseActionType(%s) failed", a)
		}
	}
	if _, ok := ParseActionType("bounced"); ok {
		t.Fatalf("unexpected action type accepted")
	}
}
