package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProber struct {
	err   atomic.Value // error wrapper
	delay time.Duration
	calls atomic.Int32
}

type probeErr struct{ err error }

func (p *fakeProber) setErr(err error) { p.err.Store(probeErr{err}) }

func (p *fakeProber) Health(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if v, ok := p.err.Load().(probeErr); ok {
		return v.err
	}
	return nil
}

func linkUp(kind Kind) LinkFunc {
	return func() (bool, Kind) { return true, kind }
}

func TestCheckOnline(t *testing.T) {
	o := New(&fakeProber{}, Options{Link: linkUp(KindEthernet)})

	s := o.Check(context.Background())
	if !s.IsOnline || s.IsSlowConnection {
		t.Fatalf("expected fast online state, got %+v", s)
	}
	if s.LastOnlineAt == nil || s.LastOfflineAt != nil {
		t.Errorf("unexpected transition timestamps %+v", s)
	}
	if o.Quality() != QualityExcellent {
		t.Errorf("expected excellent, got %s", o.Quality())
	}
}

func TestCheckProbeTimeoutWithLinkUp(t *testing.T) {
	p := &fakeProber{delay: time.Second}
	o := New(p, Options{Link: linkUp(KindWifi), Timeout: 50 * time.Millisecond})

	s := o.Check(context.Background())
	if s.IsOnline {
		t.Fatal("expected offline when the probe times out")
	}
	if !s.LinkUp {
		t.Error("expected raw link to be reported up")
	}
	if s.LastOfflineAt == nil {
		t.Error("expected last offline time")
	}
	if o.Quality() != QualityOffline {
		t.Errorf("expected offline quality, got %s", o.Quality())
	}
}

func TestCheckProbeFailureAfterOnline(t *testing.T) {
	p := &fakeProber{}
	o := New(p, Options{Link: linkUp(KindEthernet)})

	o.Check(context.Background())
	p.setErr(errors.New("server returned status 503"))
	s := o.Check(context.Background())

	if s.IsOnline {
		t.Fatal("expected offline after failed probe")
	}
	if s.LastOnlineAt == nil || s.LastOfflineAt == nil {
		t.Errorf("expected both transition times, got %+v", s)
	}
	if s.LastError == "" {
		t.Error("expected probe error to be recorded")
	}
}

func TestCheckWithoutLinkSkipsProbe(t *testing.T) {
	p := &fakeProber{}
	o := New(p, Options{Link: func() (bool, Kind) { return false, KindNone }})

	s := o.Check(context.Background())
	if s.IsOnline || s.LinkUp {
		t.Errorf("expected offline without link, got %+v", s)
	}
	if p.calls.Load() != 0 {
		t.Error("expected no probe without a link")
	}
}

func TestSlowConnection(t *testing.T) {
	p := &fakeProber{delay: 30 * time.Millisecond}
	o := New(p, Options{Link: linkUp(KindWifi), SlowThreshold: 5 * time.Millisecond})

	s := o.Check(context.Background())
	if !s.IsOnline || !s.IsSlowConnection {
		t.Fatalf("expected slow online state, got %+v", s)
	}
	if s.Quality() != QualityPoor {
		t.Errorf("expected poor quality, got %s", s.Quality())
	}
}

func TestSubscribeReceivesTransitionsOnly(t *testing.T) {
	p := &fakeProber{}
	o := New(p, Options{Link: linkUp(KindEthernet)})
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.Check(context.Background())
	o.Check(context.Background())
	p.setErr(errors.New("refused"))
	o.Check(context.Background())

	var got []bool
	for len(ch) > 0 {
		got = append(got, (<-ch).IsOnline)
	}
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("expected [true false] transitions, got %v", got)
	}
}

func TestRunProbesOnNudgeAndStops(t *testing.T) {
	p := &fakeProber{}
	o := New(p, Options{Link: linkUp(KindEthernet), Interval: time.Hour, LinkPoll: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	o.Nudge()
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 2 {
		t.Errorf("expected a probe after nudge, got %d probes", p.calls.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunProbesOnLinkUp(t *testing.T) {
	p := &fakeProber{}
	var up atomic.Bool
	o := New(p, Options{
		Link:     func() (bool, Kind) { return up.Load(), KindWifi },
		Interval: time.Hour,
		LinkPoll: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(30 * time.Millisecond)
	if o.IsOnline() {
		t.Fatal("expected offline without link")
	}

	up.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for !o.IsOnline() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !o.IsOnline() {
		t.Error("expected online after link came up")
	}
}

func TestInterfaceKind(t *testing.T) {
	tests := map[string]Kind{
		"eth0":      KindEthernet,
		"enp3s0":    KindEthernet,
		"wlan0":     KindWifi,
		"wlp2s0":    KindWifi,
		"Wi-Fi":     KindWifi,
		"wwan0":     KindCellular,
		"ppp0":      KindCellular,
		"tailscale": KindUnknown,
	}
	for name, want := range tests {
		if got := interfaceKind(name); got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}
