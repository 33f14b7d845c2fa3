package aging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProvider scripts estimation and synthesis behavior per test.
type fakeProvider struct {
	mu          sync.Mutex
	estimateAge int
	estimateErr error
	synth       func(ctx context.Context, image []byte, prompt string) ([]byte, error)
	prompts     []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	return f.estimateAge, f.estimateErr
}

func (f *fakeProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	synth := f.synth
	f.mu.Unlock()

	if synth == nil {
		return []byte("synth:" + prompt), nil
	}
	return synth(ctx, image, prompt)
}

func (f *fakeProvider) setSynth(fn func(ctx context.Context, image []byte, prompt string) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synth = fn
}

func (f *fakeProvider) synthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeProvider) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newInteractiveController(t *testing.T, fake *fakeProvider, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithDebounceInterval(20 * time.Millisecond)}, opts...)
	c := NewController(fake, opts...)

	if err := c.Upload(context.Background(), []byte("source-photo")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitFor(t, "estimation to finish", func() bool { return c.Snapshot().Interactive() })
	return c
}

func TestUploadEstimatesAge(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	snap := c.Snapshot()
	if snap.EstimatedAge != 34 {
		t.Errorf("EstimatedAge = %d, want 34", snap.EstimatedAge)
	}
	if snap.TargetAge != 34 {
		t.Errorf("TargetAge = %d, want anchor age 34", snap.TargetAge)
	}
	if !c.DisplayedIsSource() {
		t.Error("freshly estimated session should display the source photo")
	}
}

func TestUploadRejectedOutsideIdle(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	if err := c.Upload(context.Background(), []byte("another")); err == nil {
		t.Fatal("second upload without reset should fail")
	}
}

func TestEstimationFailure(t *testing.T) {
	fake := &fakeProvider{estimateErr: errors.New("no face found")}
	c := NewController(fake, WithDebounceInterval(20*time.Millisecond))

	if err := c.Upload(context.Background(), []byte("source")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	waitFor(t, "estimation failure", func() bool { return c.Snapshot().Phase == PhaseError })

	snap := c.Snapshot()
	if !strings.Contains(snap.LastError, "could not determine age") {
		t.Errorf("LastError = %q, want age determination failure", snap.LastError)
	}
}

func TestAnchorAgeNeedsNoSynthesis(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	c.SetTargetAge(34)
	time.Sleep(100 * time.Millisecond)

	if n := fake.synthCalls(); n != 0 {
		t.Errorf("synthesis calls = %d, want 0 for the anchor age", n)
	}
	if !c.DisplayedIsSource() {
		t.Error("anchor age should display the source photo")
	}
}

func TestDebounceCoalescesSliderMovement(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	for age := 40; age <= 60; age += 5 {
		c.SetTargetAge(age)
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, "synthesis of final value", func() bool {
		img, ok := c.Displayed()
		return ok && !c.DisplayedIsSource() && strings.Contains(string(img), "60")
	})

	if n := fake.synthCalls(); n != 1 {
		t.Errorf("synthesis calls = %d, want 1: intermediate slider values must be coalesced", n)
	}
	if !strings.Contains(fake.lastPrompt(), "60 years old") {
		t.Errorf("prompt = %q, want target age 60 embedded", fake.lastPrompt())
	}
}

func TestTargetAgeClamped(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	c.SetTargetAge(250)
	if got := c.Snapshot().TargetAge; got != 100 {
		t.Errorf("TargetAge = %d, want 100", got)
	}

	c.SetTargetAge(-4)
	if got := c.Snapshot().TargetAge; got != 1 {
		t.Errorf("TargetAge = %d, want 1", got)
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})

	fake := &fakeProvider{estimateAge: 34}
	fake.synth = func(ctx context.Context, image []byte, prompt string) ([]byte, error) {
		if strings.Contains(prompt, "50 years old") {
			close(firstStarted)
			<-releaseFirst
			return []byte("img-50"), nil
		}
		return []byte("img-60"), nil
	}
	c := newInteractiveController(t, fake)

	c.SetTargetAge(50)
	<-firstStarted

	c.SetTargetAge(60)
	waitFor(t, "newer synthesis to apply", func() bool {
		img, ok := c.Displayed()
		return ok && string(img) == "img-60"
	})

	// The superseded request now completes successfully, late.
	close(releaseFirst)
	waitFor(t, "stale response to settle", func() bool { return !c.Snapshot().Busy })

	if img, _ := c.Displayed(); string(img) != "img-60" {
		t.Errorf("displayed = %q, want img-60: a stale response must never roll the image back", img)
	}
}

func TestSynthesisErrorIsAdvisory(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	fake.synth = func(ctx context.Context, image []byte, prompt string) ([]byte, error) {
		return nil, errors.New("capability overloaded")
	}
	c := newInteractiveController(t, fake)

	c.SetTargetAge(60)
	waitFor(t, "synthesis failure", func() bool { return c.Snapshot().LastError != "" })

	snap := c.Snapshot()
	if !snap.Interactive() {
		t.Errorf("phase = %s, want interactive: synthesis failures must not end the session", snap.Phase)
	}
	if !c.DisplayedIsSource() {
		t.Error("failed synthesis should leave the previous image displayed")
	}

	// The next slider movement recovers.
	fake.setSynth(nil)
	c.SetTargetAge(70)
	waitFor(t, "recovery", func() bool { return !c.DisplayedIsSource() })
	if c.Snapshot().LastError != "" {
		t.Errorf("LastError = %q, want cleared after success", c.Snapshot().LastError)
	}
}

func TestResetGuardsInFlightCallbacks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	fake := &fakeProvider{estimateAge: 34}
	fake.synth = func(ctx context.Context, image []byte, prompt string) ([]byte, error) {
		close(started)
		<-release
		return []byte("late-image"), nil
	}
	c := newInteractiveController(t, fake)

	c.SetTargetAge(60)
	<-started

	c.Reset()
	close(release)
	time.Sleep(50 * time.Millisecond)

	snap := c.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle after reset", snap.Phase)
	}
	if snap.HasDisplayed || snap.HasSource {
		t.Error("reset must clear all images; late callbacks are no-ops")
	}
}

func TestResetHookInvalidatesArtifacts(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	invalidated := 0
	c := newInteractiveController(t, fake, WithResetHook(func() { invalidated++ }))

	c.Reset()
	if invalidated != 1 {
		t.Errorf("reset hook ran %d times, want 1", invalidated)
	}

	// A reset session accepts a fresh upload.
	if err := c.Upload(context.Background(), []byte("next-photo")); err != nil {
		t.Fatalf("Upload after reset: %v", err)
	}
}

func TestMarkBusyReleaseIsIdempotent(t *testing.T) {
	fake := &fakeProvider{estimateAge: 34}
	c := newInteractiveController(t, fake)

	release := c.MarkBusy()
	if !c.Snapshot().Busy {
		t.Error("session should be busy while marked")
	}
	release()
	release()
	if c.Snapshot().Busy {
		t.Error("session should be free after release")
	}
}

func TestSynthesisPromptEmbedsTargetYear(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	prompt := SynthesisPrompt(now, 34, 60)
	if !strings.Contains(prompt, "60 years old") {
		t.Errorf("prompt = %q, want target age", prompt)
	}
	// 2026 - 34 + 60
	if !strings.Contains(prompt, "2052") {
		t.Errorf("prompt = %q, want target year 2052", prompt)
	}

	if year := TargetYear(now, 34, 10); year != 2002 {
		t.Errorf("TargetYear = %d, want 2002 for a younger target", year)
	}
}

func TestDebouncerTriggerReplacesPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var mu sync.Mutex
	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		d.Trigger(func() {
			mu.Lock()
			fired = append(fired, i)
			mu.Unlock()
		})
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, "debounced fire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) > 0
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != 4 {
		t.Errorf("fired = %v, want only the last trigger", fired)
	}
}
