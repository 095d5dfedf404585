package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

func TestRelayProviderSend(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{"accepted", http.StatusAccepted, false, false},
		{"rejected envelope", http.StatusBadRequest, true, true},
		{"relay overloaded", http.StatusServiceUnavailable, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := &RelayProvider{Label: "primary", Endpoint: srv.URL, APIKey: "k"}
			err := p.Send(context.Background(), OutgoingMessage{MessageID: "m1"}, "alice")

			if tc.wantErr != (err != nil) {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if err == nil {
				if gotPath != "/v1/envelopes" || gotAuth != "Bearer k" {
					t.Fatalf("request shape wrong: path=%s auth=%s", gotPath, gotAuth)
				}
				return
			}
			var perm *backoff.PermanentError
			if got := errors.As(err, &perm); got != tc.permanent {
				t.Fatalf("permanent=%v, expected %v (err=%v)", got, tc.permanent, err)
			}
		})
	}
}

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(context.Context, OutgoingMessage, string) error {
	i := p.calls
	p.calls++
	if i < len(p.errs) {
		return p.errs[i]
	}
	return nil
}

func TestSendWithBackoffRetriesTransientErrors(t *testing.T) {
	w := &Worker{}
	p := &scriptedProvider{name: "flaky", errs: []error{errors.New("relay temporary"), errors.New("relay temporary")}}

	if err := w.sendWithBackoff(context.Background(), p, OutgoingMessage{MessageID: "m1"}, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("calls=%d, expected 3", p.calls)
	}
}

func TestSendWithBackoffStopsOnPermanentError(t *testing.T) {
	w := &Worker{}
	p := &scriptedProvider{name: "strict", errs: []error{
		backoff.Permanent(errors.New("rejected")),
		nil,
	}}

	if err := w.sendWithBackoff(context.Background(), p, OutgoingMessage{MessageID: "m1"}, "alice"); err == nil {
		t.Fatalf("expected permanent error to surface")
	}
	if p.calls != 1 {
		t.Fatalf("calls=%d, expected 1", p.calls)
	}
}
