package throttle

import "testing"

func TestZeroRateIsUnlimited(t *testing.T) {
	tr := New(0, 0, 1<<20)
	h := tr.Throttle(1)
	if !h.GetBytesDL(10 << 20) {
		t.Fatal("zero rate bucket should never refuse a withdrawal")
	}
	if len(tr.FlushDL()) != 0 {
		t.Fatal("zero rate withdrawal must not mark the peer throttled")
	}
}

func TestWithdrawalFailsBeforeAnyRefill(t *testing.T) {
	tr := New(100, 100, 50) // nonzero rate, but Update has never been called
	h := tr.Throttle(7)

	if h.GetBytesDL(1) {
		t.Fatal("expected a rate-limited bucket with zero tokens to refuse any withdrawal")
	}
}

func TestRefillThenWithdraw(t *testing.T) {
	tr := New(10, 10, 1000) // 10 bytes/ms
	tr.Update()             // one URATE tick: +150 tokens
	h := tr.Throttle(1)

	if !h.GetBytesDL(100) {
		t.Fatal("expected withdrawal within refilled tokens to succeed")
	}
	if h.GetBytesDL(1000) {
		t.Fatal("expected withdrawal beyond remaining tokens to fail")
	}
	ids := tr.FlushDL()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected peer 1 in the flushed throttled set, got %v", ids)
	}
}

func TestRefillCeiling(t *testing.T) {
	tr := New(1000, 0, 100) // huge rate but a 100-byte ceiling
	tr.Update()
	tr.Update()
	h := tr.Throttle(1)
	if !h.GetBytesDL(100) {
		t.Fatal("expected ceiling-capped tokens to satisfy a withdrawal at the cap")
	}
	if h.GetBytesDL(1) {
		t.Fatal("expected bucket to be empty once exactly the ceiling was withdrawn")
	}
}

func TestRestoreTokens(t *testing.T) {
	tr := New(10, 0, 1000)
	tr.Update()
	h := tr.Throttle(1)
	h.GetBytesDL(100)
	h.RestoreBytesDL(100)
	if !h.GetBytesDL(100) {
		t.Fatal("restored tokens should be withdrawable again")
	}
}

func TestRestoreTokensClampsLastUsedAtZero(t *testing.T) {
	tr := New(10, 0, 1000)
	tr.Update() // last_used reset to 0 by the tick
	h := tr.Throttle(1)
	h.RestoreBytesDL(50) // restoring more than was ever withdrawn since the tick
	ul, dl, _ := tr.Update()
	_ = ul
	if dl < 0 {
		t.Fatalf("expected reported rate to never go negative, got %d", dl)
	}
}

func TestCloseRemovesFromThrottledSets(t *testing.T) {
	tr := New(1, 0, 10)
	h := tr.Throttle(3)
	h.GetBytesDL(100) // exceeds zero tokens, marks throttled
	h.Close()
	if ids := tr.FlushDL(); len(ids) != 0 {
		t.Fatalf("expected Close to remove peer from throttled set, got %v", ids)
	}
}

func TestUpdateReportsChangedRates(t *testing.T) {
	tr := New(5, 5, 1000)
	tr.Update() // one URATE tick: +75 tokens in each bucket
	h := tr.Throttle(1)
	h.GetBytesUL(5)
	h.GetBytesDL(5)
	_, _, changed := tr.Update()
	if !changed {
		t.Fatal("expected Update to report a rate change after bytes were used")
	}
	tr.Update() // first idle tick: the rates fall back to 0, itself a change
	_, _, changed = tr.Update()
	if changed {
		t.Fatal("expected Update to report no change on a second, idle tick")
	}
}
