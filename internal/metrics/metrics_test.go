package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_Classified(t *testing.T) {
	c := New()
	c.Classified("local")
	c.Classified("local")
	c.Classified("remote")
	c.Classified("deny")

	s := c.Snapshot()
	if s.ClassifiedLocal != 2 || s.ClassifiedRemote != 1 || s.ClassifiedDeny != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCollector_Requests(t *testing.T) {
	c := New()
	c.RequestSent("connect")
	c.RequestSent("resolve")
	if c.PendingRequests() != 2 {
		t.Errorf("pending = %d, want 2", c.PendingRequests())
	}
	c.RequestDone()
	c.RequestTimeout()
	c.LateResponse()

	s := c.Snapshot()
	if s.Requests != 2 || s.Pending != 1 || s.Timeouts != 1 || s.LateResponses != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCollector_Relays(t *testing.T) {
	c := New()
	c.RelayOpened()
	c.RelayOpened()
	c.RelayClosed()
	c.BytesFromRemote(100)
	c.BytesToRemote(40)

	if c.ActiveRelays() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveRelays())
	}
	s := c.Snapshot()
	if s.RelaysTotal != 2 || s.BytesIn != 100 || s.BytesOut != 40 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()
	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
	s := c.Snapshot()
	if s.LastErrorMessage != "second error" || s.LastError == "" {
		t.Errorf("last error = %q at %q", s.LastErrorMessage, s.LastError)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.Fallback()
	var s Snapshot
	if err := json.Unmarshal([]byte(c.JSON()), &s); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if s.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", s.Fallbacks)
	}
}

func TestCollector_Registry(t *testing.T) {
	c := New()
	c.Classified("remote")
	c.RequestSent("connect")
	c.BytesToRemote(7)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"tether_classified_total", "tether_requests_total", "tether_relay_bytes_total", "tether_pending_requests"} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.Classified("local")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `tether_classified_total{decision="local"} 1`) {
		t.Errorf("exposition missing classified counter:\n%s", body)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Classified("remote")
	c.RequestSent("connect")
	c.RequestDone()
	c.RequestTimeout()
	c.LateResponse()
	c.RelayOpened()
	c.RelayClosed()
	c.BytesFromRemote(1)
	c.BytesToRemote(1)
	c.Fallback()
	c.RecordError("x")

	if c.ActiveRelays() != 0 || c.PendingRequests() != 0 || c.ErrorCount() != 0 {
		t.Error("nil collector should read zero")
	}
	if c.Registry() != nil {
		t.Error("nil collector has no registry")
	}
	_ = c.Snapshot()
	_ = c.JSON()
}
