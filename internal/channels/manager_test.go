package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
)

type fakeChannel struct {
	*BaseChannel
	startErr error
}

func (f *fakeChannel) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.SetRunning(true)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.SetRunning(false)
	return nil
}

type fakeHTTPChannel struct {
	fakeChannel
}

func (f *fakeHTTPChannel) Pattern() string { return "POST /hook" }

func (f *fakeHTTPChannel) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	good := &fakeChannel{BaseChannel: NewBaseChannel("good", nil, Policy{})}
	bad := &fakeChannel{BaseChannel: NewBaseChannel("bad", nil, Policy{}), startErr: errors.New("no token")}
	hook := &fakeHTTPChannel{fakeChannel{BaseChannel: NewBaseChannel("hook", nil, Policy{})}}
	m.RegisterChannel(good)
	m.RegisterChannel(bad)
	m.RegisterChannel(hook)

	if got := m.Names(); !slices.Equal(got, []string{"bad", "good", "hook"}) {
		t.Fatalf("expected sorted names, got %v", got)
	}

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected the failing channel to be reported")
	}
	status := m.GetStatus()
	if !status["good"] || !status["hook"] || status["bad"] {
		t.Fatalf("unexpected status %v", status)
	}

	mux := http.NewServeMux()
	m.Mount(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected http channel to be mounted, got %d", rec.Code)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.GetStatus()["good"] {
		t.Fatal("channel still running after StopAll")
	}

	m.UnregisterChannel("bad")
	if _, ok := m.GetChannel("bad"); ok {
		t.Fatal("channel not removed")
	}
}
