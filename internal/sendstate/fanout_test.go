package sendstate

import (
	"reflect"
	"testing"
)

func alwaysTrue(SendStatus) bool { return true }

func TestSomeSendStatus(t *testing.T) {
	if SomeSendStatus(nil, alwaysTrue) {
		t.Fatalf("nil map should be vacuously false")
	}
	if SomeSendStatus(StateByConversationID{}, alwaysTrue) {
		t.Fatalf("empty map should be vacuously false")
	}

	states := StateByConversationID{
		"a": {Status: StatusSent},
		"b": {Status: StatusRead},
		"c": {Status: StatusFailed},
	}
	if !SomeSendStatus(states, IsRead) {
		t.Fatalf("expected at least one read recipient")
	}
	if SomeSendStatus(states, IsViewed) {
		t.Fatalf("no recipient has viewed")
	}
}

func TestCountWhere(t *testing.T) {
	states := StateByConversationID{
		"a": {Status: StatusDelivered},
		"b": {Status: StatusRead},
		"c": {Status: StatusPending},
	}
	if got := CountWhere(states, IsDelivered); got != 2 {
		t.Fatalf("CountWhere(IsDelivered)=%d, expected 2", got)
	}
	if got := CountWhere(nil, alwaysTrue); got != 0 {
		t.Fatalf("CountWhere(nil)=%d", got)
	}
}

func TestIsMessageJustForMe(t *testing.T) {
	tests := []struct {
		name   string
		states StateByConversationID
		ownID  string
		want   bool
	}{
		{"single entry matching own id", StateByConversationID{"me": {Status: StatusSent}}, "me", true},
		{"two entries including own id", StateByConversationID{"me": {Status: StatusSent}, "b": {Status: StatusPending}}, "me", false},
		{"single entry with a different key", StateByConversationID{"stranger": {Status: StatusSent}}, "me", false},
		{"empty map", StateByConversationID{}, "me", false},
		{"nil map", nil, "me", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMessageJustForMe(tc.states, tc.ownID); got != tc.want {
				t.Fatalf("got %v, expected %v", got, tc.want)
			}
		})
	}
}

func TestFold(t *testing.T) {
	if got := Fold(nil); got != StatusPending {
		t.Fatalf("Fold(nil)=%s, expected pending", got)
	}
	states := StateByConversationID{
		"a": {Status: StatusFailed},
		"b": {Status: StatusViewed},
		"c": {Status: StatusSent},
	}
	if got := Fold(states); got != StatusViewed {
		t.Fatalf("Fold=%s, expected viewed", got)
	}
	if got := Fold(StateByConversationID{"a": {Status: StatusFailed}}); got != StatusFailed {
		t.Fatalf("Fold of all-failed=%s, expected failed", got)
	}
}

func TestFailedRecipients(t *testing.T) {
	states := StateByConversationID{
		"c": {Status: StatusFailed},
		"a": {Status: StatusFailed},
		"b": {Status: StatusRead},
	}
	if got := FailedRecipients(states); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("got %v", got)
	}
	if got := FailedRecipients(nil); got != nil {
		t.Fatalf("expected nil for empty fan-out, got %v", got)
	}
}
