package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohans/genpipe/pipeline"
)

// StageTimeout is the client-side only state for a task the poller gave up
// on. The server keeps running; a late terminal push still reconciles it.
const StageTimeout = pipeline.Stage("timeout")

// StatusSource is the authoritative task-status interface.
type StatusSource interface {
	Status(ctx context.Context, taskID string) (pipeline.StatusSnapshot, error)
}

// View is the derived per-task progress shown to the user.
type View struct {
	TaskID  string
	Status  pipeline.Stage
	Percent float64
	EtaText string
	Message string
	Result  *pipeline.Result
	Updated time.Time
}

type PollerOptions struct {
	Timeout   time.Duration // hard ceiling, default 15m
	QueryRate rate.Limit    // shared budget across all tracked tasks, default 10/s
	Burst     int           // default 5
	Window    time.Duration // push debounce window, default 250ms
	Retention time.Duration // how long finished views stay readable, default 10m
	OnUpdate  func(View)    // invoked after every merged observation
	Logger    *slog.Logger
}

// Poller runs one adaptive polling loop per tracked task. Ownership comes
// from the Registry, so no two surfaces poll the same task; all loops share
// one rate limiter to bound backend load.
type Poller struct {
	source    StatusSource
	registry  *Registry
	limiter   *rate.Limiter
	timeout   time.Duration
	window    time.Duration
	retention time.Duration
	onUpdate  func(View)
	log       *slog.Logger

	mu      sync.Mutex
	tracked map[string]*trackedTask
}

type trackedTask struct {
	id       string
	ownerID  string
	started  time.Time
	cancel   context.CancelFunc
	view     View
	timedOut bool
	done     bool
	deb      *Debouncer[pipeline.StatusSnapshot]
}

func NewPoller(source StatusSource, registry *Registry, opts PollerOptions) *Poller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	qr := opts.QueryRate
	if qr <= 0 {
		qr = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 5
	}
	window := opts.Window
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:    source,
		registry:  registry,
		limiter:   rate.NewLimiter(qr, burst),
		timeout:   timeout,
		window:    window,
		retention: retention,
		onUpdate:  opts.OnUpdate,
		log:       logger,
		tracked:   map[string]*trackedTask{},
	}
}

// Track claims ownership of taskID for ownerID and starts its polling loop.
// Returns false when another surface already owns the task.
func (p *Poller) Track(taskID, ownerID string) bool {
	return p.TrackFrom(taskID, ownerID, time.Now())
}

// TrackFrom is Track with an explicit task start time, used when an
// in-flight task is rediscovered after a restart so elapsed time and the
// timeout ceiling stay anchored to the original submission.
func (p *Poller) TrackFrom(taskID, ownerID string, started time.Time) bool {
	if !p.registry.Register(taskID, ownerID) {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	tt := &trackedTask{
		id:      taskID,
		ownerID: ownerID,
		started: started,
		cancel:  cancel,
		view:    View{TaskID: taskID, Status: pipeline.StagePending},
	}
	tt.deb = NewDebouncer[pipeline.StatusSnapshot](p.window, func(snap pipeline.StatusSnapshot) {
		p.applySnapshot(tt, snap)
	})
	p.mu.Lock()
	p.prune()
	p.tracked[taskID] = tt
	p.mu.Unlock()
	go p.loop(ctx, tt)
	return true
}

// prune evicts finished and timed-out entries whose retention window has
// passed, so a long-lived client does not accumulate dead views. Caller
// holds p.mu.
func (p *Poller) prune() {
	for id, tt := range p.tracked {
		if !tt.done && !tt.timedOut {
			continue
		}
		if time.Since(tt.view.Updated) <= p.retention {
			continue
		}
		tt.deb.Close()
		delete(p.tracked, id)
	}
}

// Stop ends tracking. Local only: the server-side run continues unless the
// caller also issues an explicit backend cancel.
func (p *Poller) Stop(taskID, ownerID string) {
	p.mu.Lock()
	tt, ok := p.tracked[taskID]
	if ok {
		delete(p.tracked, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	tt.cancel()
	tt.deb.Close()
	p.registry.Unregister(taskID, ownerID)
}

// View returns the current progress view for a task.
func (p *Poller) View(taskID string) (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tt, ok := p.tracked[taskID]
	if !ok {
		return View{}, false
	}
	return tt.view, true
}

// Views returns the progress of every tracked task.
func (p *Poller) Views() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]View, 0, len(p.tracked))
	for _, tt := range p.tracked {
		out = append(out, tt.view)
	}
	return out
}

// Push feeds an out-of-band realtime update into the task's debounce window.
func (p *Poller) Push(snap pipeline.StatusSnapshot) {
	p.mu.Lock()
	tt, ok := p.tracked[snap.TaskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	tt.deb.Push(snap)
}

func (p *Poller) loop(ctx context.Context, tt *trackedTask) {
	for {
		if !p.tick(ctx, tt) {
			return
		}
		timer := time.NewTimer(pollInterval(time.Since(tt.started)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollInterval polls frequently early and backs off as elapsed time grows,
// bounding backend load from many concurrently tracked tasks.
func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 2*time.Minute:
		return 2 * time.Second
	case elapsed < 5*time.Minute:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

func (p *Poller) tick(ctx context.Context, tt *trackedTask) bool {
	elapsed := time.Since(tt.started)
	if elapsed >= p.timeout {
		p.markTimeout(tt)
		return false
	}
	stage, pct, eta := Estimate(elapsed)
	local := View{
		TaskID:  tt.id,
		Status:  stage,
		Percent: pct,
		EtaText: EtaText(eta),
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}
	snap, err := p.source.Status(ctx, tt.id)
	if err != nil {
		// Transient infra errors on the polling path are retried by the
		// loop itself; show the local estimate meanwhile.
		p.log.Debug("status query failed", "task", tt.id, "err", err)
		p.merge(tt, local)
		return true
	}
	return p.mergeAuthoritative(tt, snap, local)
}

func (p *Poller) applySnapshot(tt *trackedTask, snap pipeline.StatusSnapshot) {
	elapsed := time.Since(tt.started)
	stage, pct, eta := Estimate(elapsed)
	local := View{TaskID: tt.id, Status: stage, Percent: pct, EtaText: EtaText(eta)}
	p.mergeAuthoritative(tt, snap, local)
}

// mergeAuthoritative folds an authoritative snapshot over the local
// estimate. Authoritative counters override the estimated percent; the
// merged percent still never regresses below what was already displayed.
func (p *Poller) mergeAuthoritative(tt *trackedTask, snap pipeline.StatusSnapshot, local View) bool {
	view := local
	if snap.Status != "" {
		view.Status = snap.Status
	}
	if snap.Total > 0 {
		view.Percent = float64(snap.Completed) / float64(snap.Total) * 100
	}
	if snap.EtaSeconds > 0 {
		view.EtaText = EtaText(time.Duration(snap.EtaSeconds * float64(time.Second)))
	}
	if snap.Message != "" {
		view.Message = snap.Message
	}
	if snap.ErrorMsg != "" {
		view.Message = snap.ErrorMsg
	}
	view.Result = snap.Result
	if snap.Status == pipeline.StageCompleted {
		view.Percent = 100
		view.EtaText = ""
	}
	p.merge(tt, view)
	if snap.Status.Terminal() {
		p.finish(tt)
		return false
	}
	return true
}

func (p *Poller) merge(tt *trackedTask, view View) {
	p.mu.Lock()
	if tt.done {
		p.mu.Unlock()
		return
	}
	if tt.timedOut && !view.Status.Terminal() {
		// Timed out locally: the view is frozen until a terminal
		// observation reconciles it.
		p.mu.Unlock()
		return
	}
	if view.Percent < tt.view.Percent {
		view.Percent = tt.view.Percent
	}
	view.Updated = time.Now()
	tt.view = view
	p.mu.Unlock()
	p.notify(view)
}

func (p *Poller) markTimeout(tt *trackedTask) {
	p.mu.Lock()
	if tt.timedOut || tt.done {
		p.mu.Unlock()
		return
	}
	tt.timedOut = true
	tt.view.Status = StageTimeout
	tt.view.EtaText = ""
	tt.view.Updated = time.Now()
	view := tt.view
	p.mu.Unlock()
	tt.cancel()
	// Ownership is released so a retry flow (a brand-new task) or a later
	// rediscovery does not fight a dead subscription. The entry stays so a
	// late push can still reconcile the view.
	p.registry.Unregister(tt.id, tt.ownerID)
	p.log.Warn("task timed out client-side", "task", tt.id)
	p.notify(view)
}

func (p *Poller) finish(tt *trackedTask) {
	p.mu.Lock()
	already := tt.done
	tt.done = true
	p.mu.Unlock()
	if already {
		return
	}
	tt.cancel()
	p.registry.Unregister(tt.id, tt.ownerID)
}

func (p *Poller) notify(view View) {
	if p.onUpdate != nil {
		p.onUpdate(view)
	}
}
