package hub

import (
	"fmt"
	"sync"
	"testing"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("run-a")
	defer unsub()

	h.Publish("run-a", "restore started")
	h.Publish("run-a", "restore finished")

	if got := <-ch; got != "restore started" {
		t.Fatalf("expected first line, got %q", got)
	}
	if got := <-ch; got != "restore finished" {
		t.Fatalf("expected second line, got %q", got)
	}
}

func TestLinesReturnsBufferedCopy(t *testing.T) {
	h := New()
	h.Publish("run-a", "one")
	h.Publish("run-a", "two")

	lines := h.Lines("run-a")
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	lines[0] = "mutated"
	if h.Lines("run-a")[0] != "one" {
		t.Fatal("Lines must return a copy")
	}
	if h.Lines("unknown") != nil {
		t.Fatal("expected nil lines for unknown run")
	}
}

func TestCatchupOnSubscribe(t *testing.T) {
	h := New()
	for _, l := range []string{"line1", "line2", "line3"} {
		h.Publish("run-a", l)
	}

	ch, unsub := h.Subscribe("run-a")
	defer unsub()
	for _, want := range []string{"line1", "line2", "line3"} {
		if got := <-ch; got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestCloseRun(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe("run-a")

	h.Publish("run-a", "before")
	h.Close("run-a")

	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Close")
	}
	if got := h.Lines("run-a"); len(got) != 1 {
		t.Fatalf("expected buffer kept after Close, got %v", got)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := New()
	h.Publish("run-a", "a")
	h.Publish("run-a", "b")
	h.Close("run-a")

	ch, _ := h.Subscribe("run-a")
	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 catchup lines, got %d", len(lines))
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	h := New()
	h.Publish("run-a", "before")
	h.Close("run-a")
	h.Publish("run-a", "after")

	if got := h.Lines("run-a"); len(got) != 1 {
		t.Fatalf("expected 1 buffered line, got %d", len(got))
	}
}

func TestBufferEvictionOrdering(t *testing.T) {
	h := NewWithCapacity(10)
	total := 25
	for i := 0; i < total; i++ {
		h.Publish("run-a", fmt.Sprintf("line-%d", i))
	}

	got := h.Lines("run-a")
	if len(got) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(got))
	}
	if got[0] != "line-15" || got[9] != "line-24" {
		t.Fatalf("unexpected window: first %q last %q", got[0], got[9])
	}
	if d := h.Dropped("run-a"); d != 15 {
		t.Fatalf("expected 15 dropped lines, got %d", d)
	}
}

func TestBufferExactlyFull(t *testing.T) {
	h := NewWithCapacity(3)
	for _, l := range []string{"a", "b", "c"} {
		h.Publish("run-a", l)
	}
	got := h.Lines("run-a")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestMultipleRunsAreIsolated(t *testing.T) {
	h := New()
	ch1, unsub1 := h.Subscribe("run-a")
	ch2, unsub2 := h.Subscribe("run-b")
	defer unsub1()
	defer unsub2()

	h.Publish("run-a", "a")
	h.Publish("run-b", "b")
	if got := <-ch1; got != "a" {
		t.Fatalf("run-a: got %q", got)
	}
	if got := <-ch2; got != "b" {
		t.Fatalf("run-b: got %q", got)
	}

	h.Close("run-a")
	h.Publish("run-b", "still-alive")
	if got := <-ch2; got != "still-alive" {
		t.Fatalf("run-b: got %q", got)
	}
}

func TestConcurrentPublish(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("run-a")
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish("run-a", "concurrent")
		}()
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		<-ch
	}
}

func TestUnsubscribe(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("run-a")
	unsub()
	h.Publish("run-a", "after-unsub")

	select {
	case <-ch:
		t.Fatal("expected no message after unsubscribe")
	default:
	}
}

func TestRemove(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe("run-a")
	h.Publish("run-a", "data")
	h.Remove("run-a")

	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Remove")
	}
	if h.Lines("run-a") != nil {
		t.Fatal("expected run removed")
	}
	h.Remove("missing")
}
