package optimistic

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestQueue() (*Queue, *clock.Mock) {
	mock := clock.NewMock()
	q := NewQueue(Config{Clock: mock})
	return q, mock
}

func TestConfirmRemovesPending(t *testing.T) {
	q, _ := newTestQueue()

	var succeeded, rolledBack int
	q.Add(Update{
		ID:        "u1",
		EventID:   "ev-1",
		Signature: "cell-3-4",
		Rollback:  func(error) { rolledBack++ },
		OnSuccess: func() { succeeded++ },
	})

	if !q.Confirm("ev-1") {
		t.Fatal("Confirm returned false for pending update")
	}
	if succeeded != 1 {
		t.Errorf("OnSuccess fired %d times, want 1", succeeded)
	}
	if rolledBack != 0 {
		t.Errorf("rollback fired %d times on confirm", rolledBack)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after confirm, want 0", q.Len())
	}

	if q.Confirm("ev-1") {
		t.Error("second Confirm should return false")
	}
}

func TestTimeoutRollsBackExactlyOnce(t *testing.T) {
	q, mock := newTestQueue()

	var rollbacks int
	var gotErr error
	q.Add(Update{
		ID:        "u1",
		EventID:   "ev-1",
		Signature: "cell-3-4",
		Rollback:  func(err error) { rollbacks++; gotErr = err },
	})

	mock.Add(4 * time.Second)
	if rollbacks != 0 {
		t.Fatal("rollback fired before the 5s confirmation timeout")
	}

	mock.Add(2 * time.Second)
	if rollbacks != 1 {
		t.Fatalf("rollback fired %d times, want 1", rollbacks)
	}
	if _, ok := gotErr.(ErrConfirmTimeout); !ok {
		t.Errorf("rollback error = %T, want ErrConfirmTimeout", gotErr)
	}

	// Late confirmation must be a no-op.
	if q.Confirm("ev-1") {
		t.Error("Confirm after timeout should return false")
	}
	mock.Add(time.Minute)
	if rollbacks != 1 {
		t.Errorf("rollback re-fired: %d", rollbacks)
	}
}

func TestRejectRollsBack(t *testing.T) {
	q, _ := newTestQueue()

	var rollbacks, errors int
	q.Add(Update{
		ID:        "u1",
		EventID:   "ev-1",
		Signature: "cell-3-4",
		Rollback:  func(error) { rollbacks++ },
		OnError:   func(error) { errors++ },
	})

	if !q.Reject("ev-1", ErrRejected{EventID: "ev-1", Reason: "room is frozen"}) {
		t.Fatal("Reject returned false for pending update")
	}
	if rollbacks != 1 || errors != 1 {
		t.Errorf("rollbacks = %d, errors = %d, want 1 and 1", rollbacks, errors)
	}
}

func TestSupersedeBySignature(t *testing.T) {
	q, mock := newTestQueue()

	var firstRollback, secondRollback int
	q.Add(Update{
		ID: "u1", EventID: "ev-1", Signature: "cell-3-4",
		Rollback: func(error) { firstRollback++ },
	})
	// Same cell edited again before the first confirmation arrives.
	q.Add(Update{
		ID: "u2", EventID: "ev-2", Signature: "cell-3-4",
		Rollback: func(error) { secondRollback++ },
	})

	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1 (superseded)", q.Len())
	}
	if q.Confirm("ev-1") {
		t.Error("superseded update must no longer be confirmable")
	}

	// The superseded update's timer must not fire its rollback.
	mock.Add(10 * time.Second)
	if firstRollback != 0 {
		t.Errorf("superseded update rolled back %d times", firstRollback)
	}
	if secondRollback != 1 {
		t.Errorf("live update rolled back %d times on timeout, want 1", secondRollback)
	}
}

func TestDifferentSignaturesTrackedIndependently(t *testing.T) {
	q, _ := newTestQueue()

	q.Add(Update{ID: "u1", EventID: "ev-1", Signature: "cell-1-1", Rollback: func(error) {}})
	q.Add(Update{ID: "u2", EventID: "ev-2", Signature: "cell-2-2", Rollback: func(error) {}})

	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	q.Confirm("ev-1")
	if q.Len() != 1 {
		t.Errorf("Len = %d after one confirm, want 1", q.Len())
	}
}

func TestSweepRemovesStaleUpdates(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(Config{
		Clock:          mock,
		ConfirmTimeout: time.Hour, // keep the per-update timer out of the way
	})

	var rollbacks int
	q.Add(Update{
		ID: "u1", EventID: "ev-1", Signature: "cell-3-4",
		Rollback: func(error) { rollbacks++ },
	})

	q.sweep(mock.Now().Add(9 * time.Second))
	if rollbacks != 0 {
		t.Fatal("sweep removed update inside the staleness bound")
	}

	q.sweep(mock.Now().Add(11 * time.Second))
	if rollbacks != 1 {
		t.Errorf("sweep rolled back %d times, want 1", rollbacks)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", q.Len())
	}
}

func TestSweepLoopRuns(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(Config{
		Clock:          mock,
		ConfirmTimeout: time.Hour,
		SweepInterval:  5 * time.Second,
	})
	q.Start()
	defer q.Stop()

	done := make(chan struct{})
	q.Add(Update{
		ID: "u1", EventID: "ev-1", Signature: "cell-3-4",
		Rollback: func(error) { close(done) },
	})

	// Enough intervals to put the update past the 10s staleness bound.
	mock.Add(8 * time.Second)
	mock.Add(8 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop never rolled back the stale update")
	}
}
