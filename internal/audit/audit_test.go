package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/credential"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memorySink) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestFileLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewFileLogger(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	for _, c := range []string{"lookup_password", "lookup_totp_code"} {
		if err := l.Append(context.Background(), Event{Timestamp: time.Now(), Capability: c, Result: ResultSuccess}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("got mode %o, want 600", perm)
	}

	f, _ := os.Open(path)
	defer f.Close()
	var got []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		got = append(got, e.Capability)
	}
	if strings.Join(got, ",") != "lookup_password,lookup_totp_code" {
		t.Errorf("got %v", got)
	}
}

func TestInterceptor_RecordsWithoutSecret(t *testing.T) {
	sink := &memorySink{}
	store := credential.NewStore(nil)
	store.Add(credential.Credential{Website: "https://a.test", Username: "bob", Password: "hunter2"})

	tg := capability.Target{SessionID: "s1", Website: "https://a.test/login", Username: "bob", StartTime: time.Now()}
	reg, err := capability.NewRegistry(tg, capability.Sources{Credentials: store}, Interceptor(sink, discardLogger()))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, err := reg.Invoke(context.Background(), capability.Password); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, _ = reg.Invoke(context.Background(), capability.EmailCode)

	if len(sink.events) != 2 {
		t.Fatalf("got %d events, want 2", len(sink.events))
	}
	first, second := sink.events[0], sink.events[1]
	if first.Result != ResultSuccess || first.Host != "a.test" || first.SessionID != "s1" {
		t.Errorf("got %+v", first)
	}
	if second.Result != ResultNotAvailable || second.Capability != "lookup_email_code" {
		t.Errorf("got %+v", second)
	}
	raw, _ := json.Marshal(sink.events)
	if strings.Contains(string(raw), "hunter2") {
		t.Error("audit events must not contain secret values")
	}
}

func TestInterceptor_SinkFailureDoesNotFailLookup(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	store := credential.NewStore(nil)
	store.Add(credential.Credential{Website: "https://a.test", Username: "bob", Password: "p1"})

	tg := capability.Target{Website: "https://a.test", Username: "bob"}
	reg, _ := capability.NewRegistry(tg, capability.Sources{Credentials: store}, Interceptor(sink, discardLogger()))
	v, err := reg.Invoke(context.Background(), capability.Password)
	if err != nil || v != "p1" {
		t.Errorf("got %q, %v", v, err)
	}
}

func TestMulti(t *testing.T) {
	a, b := &memorySink{err: errors.New("a failed")}, &memorySink{}
	err := Multi{a, nil, b}.Append(context.Background(), Event{Capability: "x"})
	if err == nil {
		t.Error("expected joined error")
	}
	if len(b.events) != 1 {
		t.Error("later sinks must still receive the event")
	}
}
