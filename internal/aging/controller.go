package aging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agelapse-dev/agelapse/internal/provider"
	"github.com/agelapse-dev/agelapse/pkg/observability"
)

const (
	// DefaultDebounceInterval is how long the target age must remain
	// unchanged before a synthesis request is issued.
	DefaultDebounceInterval = 500 * time.Millisecond

	// defaultCallTimeout bounds a single synthesis or estimation call.
	defaultCallTimeout = 2 * time.Minute
)

// Controller owns one interactive aging session: the uploaded photo,
// the estimated anchor age, the debounced target age, and the image
// currently displayed. It is safe for concurrent use.
//
// Slider movement is debounced; each stabilized value supersedes every
// earlier synthesis request via a monotonically increasing sequence
// number, so responses arriving out of order can never roll the
// displayed image back (last-request-wins).
type Controller struct {
	mu sync.Mutex

	provider    provider.Provider
	debounce    *Debouncer
	clock       func() time.Time
	notify      func(Snapshot)
	onReset     func()
	callTimeout time.Duration

	phase        Phase
	source       []byte
	estimatedAge int
	targetAge    int
	displayed    []byte
	displayedRaw bool // displayed is the source photo, not a synthesized variant
	lastErr      string
	updatedAt    time.Time

	// issuedSeq numbers synthesis requests; only the response matching
	// the highest issued sequence may update the displayed image.
	issuedSeq  uint64
	appliedSeq uint64

	// inFlight counts outstanding synthesis calls (interactive + batch).
	inFlight int

	// gen is bumped on reset so callbacks from a previous session
	// become no-ops.
	gen uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounceInterval overrides the slider debounce interval.
func WithDebounceInterval(d time.Duration) Option {
	return func(c *Controller) { c.debounce = NewDebouncer(d) }
}

// WithClock overrides the time source used for target-year prompts.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithNotify installs a sink invoked with a snapshot after every state
// change.
func WithNotify(fn func(Snapshot)) Option {
	return func(c *Controller) { c.notify = fn }
}

// WithResetHook installs a hook invoked on reset, e.g. to invalidate a
// pending video artifact handle.
func WithResetHook(fn func()) Option {
	return func(c *Controller) { c.onReset = fn }
}

// NewController creates an idle session bound to a provider.
func NewController(p provider.Provider, opts ...Option) *Controller {
	c := &Controller{
		provider:    p,
		debounce:    NewDebouncer(DefaultDebounceInterval),
		clock:       time.Now,
		callTimeout: defaultCallTimeout,
		phase:       PhaseIdle,
		updatedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload stores the source photo and starts age estimation. It is only
// valid from the idle phase.
func (c *Controller) Upload(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("empty image")
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return fmt.Errorf("session already started (phase %s); reset first", c.phase)
	}
	c.source = image
	c.phase = PhaseEstimating
	c.lastErr = ""
	c.updatedAt = c.clock()
	gen := c.gen
	c.mu.Unlock()
	c.publish()

	go c.estimate(gen, image)
	return nil
}

func (c *Controller) estimate(gen uint64, image []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	age, err := c.provider.EstimateAge(ctx, image)

	c.mu.Lock()
	if c.gen != gen {
		// Session was reset while the call was in flight.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.phase = PhaseError
		c.lastErr = fmt.Sprintf("could not determine age: %v", err)
	} else {
		c.phase = PhaseInteractive
		c.estimatedAge = age
		c.targetAge = age
		c.displayed = c.source
		c.displayedRaw = true
	}
	c.updatedAt = c.clock()
	c.mu.Unlock()
	c.publish()
}

// SetTargetAge records a slider movement. The pending target age is
// visible immediately; the synthesis trigger fires only once the value
// has been stable for the debounce interval. Values are clamped into
// the valid range regardless of what the input widget allowed.
func (c *Controller) SetTargetAge(age int) {
	age = provider.ClampAge(age)

	c.mu.Lock()
	if c.phase != PhaseInteractive {
		c.mu.Unlock()
		return
	}
	c.targetAge = age
	c.updatedAt = c.clock()
	gen := c.gen
	c.mu.Unlock()
	c.publish()

	c.debounce.Trigger(func() { c.stabilized(gen, age) })
}

// stabilized runs once a target age has survived the debounce interval.
func (c *Controller) stabilized(gen uint64, age int) {
	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseInteractive {
		c.mu.Unlock()
		return
	}

	// The anchor age needs no synthesis: the source photo already shows
	// it. Consuming a sequence number invalidates older in-flight
	// requests so they cannot overwrite the source image later.
	if age == c.estimatedAge {
		c.issuedSeq++
		c.appliedSeq = c.issuedSeq
		c.displayed = c.source
		c.displayedRaw = true
		c.lastErr = ""
		c.updatedAt = c.clock()
		c.mu.Unlock()
		c.publish()
		return
	}

	c.issuedSeq++
	seq := c.issuedSeq
	c.inFlight++
	prompt := SynthesisPrompt(c.clock(), c.estimatedAge, age)
	source := c.source
	c.mu.Unlock()
	c.publish()

	go c.synthesize(gen, seq, source, prompt)
}

func (c *Controller) synthesize(gen, seq uint64, source []byte, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	start := time.Now()
	img, err := c.provider.Synthesize(ctx, source, prompt)
	observability.RecordSynthesisDuration(c.provider.Name(), time.Since(start))

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.inFlight--

	if seq != c.issuedSeq {
		// A newer stabilized value superseded this request; its result
		// is stale whether it succeeded or not.
		observability.RecordStaleResponse()
		c.mu.Unlock()
		c.publish()
		return
	}

	if err != nil {
		// Advisory only: the session stays interactive so the user can
		// keep sliding.
		c.lastErr = err.Error()
	} else {
		c.displayed = img
		c.displayedRaw = false
		c.appliedSeq = seq
		c.lastErr = ""
	}
	c.updatedAt = c.clock()
	c.mu.Unlock()
	c.publish()
}

// MarkBusy flags the session busy for the duration of an external
// pipeline (the batch video flow). The returned release function is
// idempotent.
func (c *Controller) MarkBusy() (release func()) {
	c.mu.Lock()
	c.inFlight++
	gen := c.gen
	c.mu.Unlock()
	c.publish()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gen == gen {
				c.inFlight--
			}
			c.mu.Unlock()
			c.publish()
		})
	}
}

// Reset returns the session to idle, clearing all state. In-flight
// network calls are not aborted; their eventual callbacks become no-ops
// against the reset session.
func (c *Controller) Reset() {
	c.debounce.Stop()

	c.mu.Lock()
	c.gen++
	c.phase = PhaseIdle
	c.source = nil
	c.estimatedAge = 0
	c.targetAge = 0
	c.displayed = nil
	c.displayedRaw = false
	c.lastErr = ""
	c.issuedSeq = 0
	c.appliedSeq = 0
	c.inFlight = 0
	c.updatedAt = c.clock()
	onReset := c.onReset
	c.mu.Unlock()

	if onReset != nil {
		onReset()
	}
	c.publish()
}

// Snapshot returns a view of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:        c.phase,
		EstimatedAge: c.estimatedAge,
		TargetAge:    c.targetAge,
		Busy:         c.inFlight > 0,
		LastError:    c.lastErr,
		HasSource:    len(c.source) > 0,
		HasDisplayed: len(c.displayed) > 0,
		UpdatedAt:    c.updatedAt,
	}
}

// Displayed returns the image corresponding to the current target age,
// once any in-flight synthesis for it has completed.
func (c *Controller) Displayed() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayed, len(c.displayed) > 0
}

// Source returns the uploaded photo.
func (c *Controller) Source() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, len(c.source) > 0
}

// EstimatedAge returns the anchor age, valid once interactive.
func (c *Controller) EstimatedAge() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimatedAge, c.phase == PhaseInteractive
}

// DisplayedIsSource reports whether the displayed image is the original
// photo rather than a synthesized variant.
func (c *Controller) DisplayedIsSource() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.displayed) > 0 && c.displayedRaw
}

func (c *Controller) publish() {
	if c.notify == nil {
		return
	}
	c.notify(c.Snapshot())
}
