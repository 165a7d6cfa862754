package listener

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestHTTPListenerServes(t *testing.T) {
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "proxy",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}),
	})
	if err != nil {
		t.Fatalf("NewHTTPListener: %v", err)
	}
	if l.Server().ReadTimeout != 30*time.Second {
		t.Errorf("default read timeout = %v", l.Server().ReadTimeout)
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	if strings.HasSuffix(l.Addr(), ":0") {
		t.Fatalf("Addr should report the bound port, got %s", l.Addr())
	}

	resp, err := http.Get("http://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPListenerNilHandler(t *testing.T) {
	if _, err := NewHTTPListener(HTTPListenerConfig{ID: "x", Address: ":0"}); err == nil {
		t.Error("expected error for nil handler")
	}
}

type fakeListener struct {
	id       string
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (f *fakeListener) ID() string   { return f.id }
func (f *fakeListener) Addr() string { return "fake" }

func (f *fakeListener) Start(context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeListener) Stop(context.Context) error {
	f.stopped = true
	return f.stopErr
}

func TestManager(t *testing.T) {
	m := NewManager()
	a := &fakeListener{id: "a"}
	b := &fakeListener{id: "b", stopErr: errors.New("busy")}

	if err := m.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(&fakeListener{id: "a"}); err == nil {
		t.Error("duplicate id should fail")
	}

	if got := m.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List = %v", got)
	}
	if _, ok := m.Get("b"); !ok {
		t.Error("Get(b) should succeed")
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.started || !b.started {
		t.Error("every listener should be started")
	}

	err := m.StopAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("StopAll error = %v", err)
	}
	if !a.stopped || !b.stopped {
		t.Error("every listener should be stopped")
	}
}

func TestManagerStartFailure(t *testing.T) {
	m := NewManager()
	m.Add(&fakeListener{id: "a", startErr: errors.New("address in use")})
	late := &fakeListener{id: "b"}
	m.Add(late)

	if err := m.StartAll(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if late.started {
		t.Error("listeners after a failure should not start")
	}
}
