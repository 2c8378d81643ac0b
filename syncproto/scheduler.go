package syncproto

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/repo"
	"github.com/goatplatform/goatdb-core/schema"
)

// pollFloor and pollCeiling bound the poll interval (spec.md §4.7: "target
// interval 300 ms under normal load, backing off to 1500 ms when no
// changes observed for N cycles").
const (
	pollFloor       = 300 * time.Millisecond
	pollCeiling     = 1500 * time.Millisecond
	backoffAfterN   = 3
	drainDeadline   = 5 * time.Second
)

// Scheduler runs one poll/push loop per peer for a single repository, per
// spec.md §4.7: "Each open repository has one scheduler per peer."
type Scheduler struct {
	r        *repo.Repository
	reg      *schema.Registry
	t        Transport
	peerAddr string
	repoPath string

	inFlight int32 // at-most-one-in-flight invariant, set via atomic CAS

	triggerCh chan struct{}
	cancel    context.CancelFunc
	eg        *errgroup.Group
	unsub     func()

	mu          sync.Mutex
	idleCycles  int
	lastResult  Result
}

// NewScheduler constructs a Scheduler over r, started by calling Start.
func NewScheduler(r *repo.Repository, reg *schema.Registry, t Transport, peerAddr, repoPath string) *Scheduler {
	return &Scheduler{
		r:         r,
		reg:       reg,
		t:         t,
		peerAddr:  peerAddr,
		repoPath:  repoPath,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start begins the poll/push loop in the background, subscribing to r's
// commit events so a local write schedules an immediate next poll (spec.md
// §4.7: "push-triggered cycles").
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg

	s.unsub = s.r.Subscribe(func(repo.Event) {
		s.triggerPoll()
	})

	eg.Go(func() error {
		s.loop(egCtx)
		return nil
	})
}

// triggerPoll schedules an immediate poll without blocking if one is
// already queued.
func (s *Scheduler) triggerPoll() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	interval := pollFloor
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			s.runOnce(ctx)
		}
		interval = s.nextInterval()
		timer.Reset(interval)
	}
}

func (s *Scheduler) nextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleCycles >= backoffAfterN {
		return pollCeiling
	}
	return pollFloor
}

// runOnce executes a single round, honouring the at-most-one-in-flight
// invariant (spec.md §4.7: "A poll may be skipped if a poll is already
// in-flight").
func (s *Scheduler) runOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	result := RunRound(ctx, s.r, s.reg, s.t, s.peerAddr, s.repoPath)

	s.mu.Lock()
	s.lastResult = result
	if result.CommitsPulled == 0 && result.CommitsPushed == 0 && result.Status == StatusSuccess {
		s.idleCycles++
	} else {
		s.idleCycles = 0
	}
	s.mu.Unlock()

	if result.Status != StatusSuccess {
		logging.Peer(s.peerAddr).Warn("sync round did not fully succeed", zap.Int("errors", len(result.Errors)))
	}
}

// LastResult returns the most recently completed round's Result.
func (s *Scheduler) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Close cancels the scheduler and waits for the in-flight poll to finish,
// or drainDeadline to elapse, whichever comes first (spec.md §4.7:
// "Cancellation: closing the repository cancels the scheduler and awaits
// the in-flight poll's completion or a 5-second deadline").
func (s *Scheduler) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan error, 1)
	go func() { done <- s.eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(drainDeadline):
		return nil
	}
}
