package bus

import (
	"testing"
)

func TestEmitInsertionOrder(t *testing.T) {
	b := New(nil)

	var order []int
	b.Subscribe("g1", "wsEvent", func(any) { order = append(order, 1) })
	b.Subscribe("g1", "wsEvent", func(any) { order = append(order, 2) })
	b.Subscribe("g1", "wsEvent", func(any) { order = append(order, 3) })

	b.Emit("g1", "wsEvent", nil)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %d calls, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d: got %d, want %d", i, order[i], want[i])
		}
	}
}

func TestEmitScopedToEntityAndName(t *testing.T) {
	b := New(nil)

	var hits int
	b.Subscribe("g1", "wsEvent", func(any) { hits++ })

	b.Emit("g2", "wsEvent", nil)
	b.Emit("g1", "conflict", nil)
	if hits != 0 {
		t.Errorf("subscriber fired for unrelated emits: %d", hits)
	}

	b.Emit("g1", "wsEvent", nil)
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestOnceFiresOnce(t *testing.T) {
	b := New(nil)

	var hits int
	b.Once("g1", "reconnect", func(any) { hits++ })

	b.Emit("g1", "reconnect", nil)
	b.Emit("g1", "reconnect", nil)

	if hits != 1 {
		t.Errorf("once subscriber fired %d times, want 1", hits)
	}
	if n := b.SubscriberCount("g1", "reconnect"); n != 0 {
		t.Errorf("once subscriber still registered: %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	var hits int
	off := b.Subscribe("g1", "wsEvent", func(any) { hits++ })

	b.Emit("g1", "wsEvent", nil)
	off()
	off() // second call is a no-op
	b.Emit("g1", "wsEvent", nil)

	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	b := New(nil)

	var got []string
	var offSecond func()
	b.Subscribe("g1", "wsEvent", func(any) {
		got = append(got, "first")
		offSecond()
	})
	offSecond = b.Subscribe("g1", "wsEvent", func(any) {
		got = append(got, "second")
	})
	b.Subscribe("g1", "wsEvent", func(any) {
		got = append(got, "third")
	})

	b.Emit("g1", "wsEvent", nil)

	// The unsubscribed callback is skipped; unrelated subscribers still run.
	if len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Errorf("emission order = %v, want [first third]", got)
	}
}

func TestPanickingCallbackDoesNotStopEmission(t *testing.T) {
	b := New(nil)

	var after bool
	b.Subscribe("g1", "wsEvent", func(any) { panic("boom") })
	b.Subscribe("g1", "wsEvent", func(any) { after = true })

	b.Emit("g1", "wsEvent", nil)

	if !after {
		t.Error("subscriber after panicking callback did not run")
	}
}

func TestEmitPayload(t *testing.T) {
	b := New(nil)

	var got any
	b.Subscribe("g1", "conflict", func(p any) { got = p })
	b.Emit("g1", "conflict", "payload-42")

	if got != "payload-42" {
		t.Errorf("payload = %v", got)
	}
}

func TestDropEntity(t *testing.T) {
	b := New(nil)

	var hits int
	b.Subscribe("g1", "wsEvent", func(any) { hits++ })
	b.Subscribe("g1", "conflict", func(any) { hits++ })

	b.DropEntity("g1")
	b.Emit("g1", "wsEvent", nil)
	b.Emit("g1", "conflict", nil)

	if hits != 0 {
		t.Errorf("subscribers survived DropEntity: %d hits", hits)
	}
}
