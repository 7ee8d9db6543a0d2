package flow

import (
	"testing"
	"time"
)

func TestSimpleTimer_ArmFires(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan int64, 1)
	timer.Arm("conv_1", 7, time.Now().Add(10*time.Millisecond), func(token int64) { fired <- token })

	if !timer.Armed("conv_1") {
		t.Fatal("timer not armed")
	}
	select {
	case token := <-fired:
		if token != 7 {
			t.Errorf("fired with token %d, want 7", token)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	waitFor(t, time.Second, func() bool { return !timer.Armed("conv_1") })
}

func TestSimpleTimer_PastDeadlineFiresImmediately(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan int64, 1)
	timer.Arm("conv_1", 1, time.Now().Add(-time.Hour), func(token int64) { fired <- token })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("elapsed deadline did not fire")
	}
}

func TestSimpleTimer_RearmReplaces(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan int64, 2)
	fire := func(token int64) { fired <- token }
	timer.Arm("conv_1", 1, time.Now().Add(20*time.Millisecond), fire)
	timer.Arm("conv_1", 2, time.Now().Add(40*time.Millisecond), fire)

	if n := len(timer.ListActive()); n != 1 {
		t.Fatalf("ListActive() = %d entries, want 1", n)
	}
	select {
	case token := <-fired:
		if token != 2 {
			t.Errorf("fired token %d, want 2", token)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case token := <-fired:
		t.Errorf("replaced deadline fired with token %d", token)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSimpleTimer_Disarm(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan int64, 1)
	timer.Arm("conv_1", 1, time.Now().Add(20*time.Millisecond), func(token int64) { fired <- token })
	timer.Disarm("conv_1")
	timer.Disarm("conv_unknown")

	select {
	case <-fired:
		t.Error("disarmed deadline fired")
	case <-time.After(60 * time.Millisecond):
	}
	if len(timer.ListActive()) != 0 {
		t.Errorf("ListActive() = %+v, want empty", timer.ListActive())
	}
}

func TestSimpleTimer_ListActive(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	at := time.Now().Add(time.Hour)
	timer.Arm("conv_1", 3, at, func(int64) {})
	timer.Arm("conv_2", 4, at, func(int64) {})

	infos := timer.ListActive()
	if len(infos) != 2 {
		t.Fatalf("ListActive() = %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if info.ID == "" || !info.ExpiresAt.Equal(at) || info.Remaining == "" {
			t.Errorf("incomplete timer info: %+v", info)
		}
	}
	timer.Stop()
	if len(timer.ListActive()) != 0 {
		t.Error("Stop() left timers armed")
	}
}
