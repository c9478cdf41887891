package roothub

import "testing"

func TestAttachSetsCCSAndCSC(t *testing.T) {
	m := New(4)
	m.Attach(1, false)

	p, ok := m.Port(1)
	if !ok {
		t.Fatal("port 1 should be valid")
	}
	if !p.CurrentConnectStatus || !p.ConnectStatusChange {
		t.Fatalf("got %+v", p)
	}
}

func TestClearCSCWithCCSClearLeavesBothClear(t *testing.T) {
	m := New(4)
	m.Attach(1, false)
	m.Detach(1)
	m.ClearChangeBits(1, true, false, false, false, false)

	p, _ := m.Port(1)
	if p.CurrentConnectStatus || p.ConnectStatusChange {
		t.Fatalf("got %+v", p)
	}
}

func TestPortOutOfRangeRejected(t *testing.T) {
	m := New(4)
	if _, ok := m.Port(0); ok {
		t.Fatal("port 0 must be invalid")
	}
	if _, ok := m.Port(5); ok {
		t.Fatal("port N+1 must be invalid")
	}
}

func TestRequestEnableGatedByCCS(t *testing.T) {
	m := New(2)
	// no device attached: PES write should instead set CSC.
	m.RequestEnable(1)
	p, _ := m.Port(1)
	if p.Enabled {
		t.Fatal("PES should not take effect without CCS")
	}
	if !p.ConnectStatusChange {
		t.Fatal("PES write without CCS should set CSC")
	}
}

func TestResetCompletesAndSetsPESAndPRSC(t *testing.T) {
	m := New(2)
	m.Attach(1, false)
	m.Reset(1) // synchronous completion since no ResetFunc installed

	p, _ := m.Port(1)
	if p.Resetting {
		t.Fatal("reset should have completed")
	}
	if !p.Enabled || !p.ResetStatusChange {
		t.Fatalf("got %+v", p)
	}
}

func TestInterruptFiresOnlyOnEdge(t *testing.T) {
	m := New(1)
	fired := 0
	m.InterruptPort = func(int) { fired++ }

	m.Attach(1, false) // CSC 0->1: edge, fires
	m.Detach(1)        // CSC already 1 and PES never set: no new edge

	if fired != 1 {
		t.Fatalf("InterruptPort fired %d times, want 1", fired)
	}
}
