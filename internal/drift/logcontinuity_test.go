package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogContinuityRoundTrip(t *testing.T) {
	spool := t.TempDir()
	c := NewLogContinuityCheck(spool)
	c.Deadline = 5 * time.Second
	c.Poll = 10 * time.Millisecond

	// Stand in for the log shipper: echo canary.in into canary.out.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				data, err := os.ReadFile(filepath.Join(spool, "canary.in"))
				if err == nil {
					os.WriteFile(filepath.Join(spool, "canary.out"), data, 0644)
				}
			}
		}
	}()

	f := c.Run(context.Background())
	if f.Status != StatusOK {
		t.Fatalf("round trip failed: %v (%v)", f.Status, f.PreState)
	}
	if f.PreState["round_trip"] == "" {
		t.Error("round_trip duration not recorded")
	}
}

func TestLogContinuityTimeout(t *testing.T) {
	c := NewLogContinuityCheck(t.TempDir())
	c.Deadline = 50 * time.Millisecond
	c.Poll = 10 * time.Millisecond

	f := c.Run(context.Background())
	if f.Status != StatusDrift {
		t.Fatalf("expected drift on stalled pipeline, got %v", f.Status)
	}
	if f.Severity != SeverityFail {
		t.Errorf("severity = %v, want fail", f.Severity)
	}
}

func TestLogContinuityCancellation(t *testing.T) {
	c := NewLogContinuityCheck(t.TempDir())
	c.Deadline = 10 * time.Second
	c.Poll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	f := c.Run(ctx)
	if f.Status != StatusError {
		t.Fatalf("expected error finding on cancellation, got %v", f.Status)
	}
}
