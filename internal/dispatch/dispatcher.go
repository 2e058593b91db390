package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/registry"
)

// Escalator forwards critical transitions to the escalation channel. The
// channel owns its own retry policy; the dispatcher attempts the call once
// per transition.
type Escalator interface {
	Escalate(ctx context.Context, msg *protocol.EscalationMessage) error
}

// task is one unit of fan-out work: an encoded transition plus the target
// snapshot taken at enqueue time. Targets that disconnect before the send
// fail individually.
type task struct {
	transition *alerting.Transition
	payload    []byte
	targets    []string
}

// Dispatcher fans alert transitions out to subscribers and escalation.
// Enqueueing never blocks on subscriber I/O, so a slow dashboard socket
// cannot delay the evaluation path.
type Dispatcher struct {
	registry    *registry.Registry
	escalator   Escalator
	logger      *zap.Logger
	taskQueue   chan *task
	workerCount int
	sendTimeout time.Duration

	delivered atomic.Int64
	failed    atomic.Int64
	escalated atomic.Int64
	dropped   atomic.Int64

	wg     sync.WaitGroup
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with a worker pool
func NewDispatcher(reg *registry.Registry, escalator Escalator, workerCount, queueSize int, sendTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    reg,
		escalator:   escalator,
		logger:      logger,
		taskQueue:   make(chan *task, queueSize),
		workerCount: workerCount,
		sendTimeout: sendTimeout,
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop drains in-flight tasks and stops the workers. The task queue is
// never closed: Dispatch may race with Stop, and a late enqueue must be a
// no-op rather than a send on a closed channel.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.cancel()
}

// Dispatch enqueues fan-out for a transition. The state transition already
// happened and is the durable source of truth; everything from here on is
// best-effort notification. Targets are resolved now, so a subscriber
// registered after this point does not receive the event and one that
// unregisters still gets a (failing) delivery attempt.
func (d *Dispatcher) Dispatch(t *alerting.Transition) {
	payload, err := protocol.EncodeAlertMessage(protocol.NewAlertMessage(t))
	if err != nil {
		d.logger.Error("failed to encode alert message",
			zap.String("event_id", t.Event.ID),
			zap.Error(err),
		)
		return
	}

	select {
	case <-d.stopCh:
		return
	default:
	}

	job := &task{
		transition: t,
		payload:    payload,
		targets:    d.registry.ResolveTargets(t.Event.Condition.PatientID),
	}

	select {
	case d.taskQueue <- job:
	default:
		d.dropped.Add(1)
		d.logger.Warn("dispatch queue full, dropping fan-out",
			zap.String("event_id", t.Event.ID),
			zap.String("kind", string(t.Kind)),
		)
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.taskQueue:
			d.process(job)
		case <-d.stopCh:
			// Drain whatever was queued before the stop signal.
			for {
				select {
				case job := <-d.taskQueue:
					d.process(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(job *task) {
	for _, connID := range job.targets {
		d.deliver(connID, job)
	}

	if job.transition.Event.Severity == alerting.SeverityCritical && d.escalator != nil {
		msg := protocol.NewEscalationMessage(job.transition)
		if err := d.escalator.Escalate(d.ctx, msg); err != nil {
			d.logger.Error("escalation attempt failed",
				zap.String("event_id", job.transition.Event.ID),
				zap.Error(err),
			)
		} else {
			d.escalated.Add(1)
		}
	}
}

// deliver sends to a single target. Failure here is isolated: it is logged
// and counted, and the remaining targets are unaffected.
func (d *Dispatcher) deliver(connID string, job *task) {
	sub, ok := d.registry.Get(connID)
	if !ok {
		// Disconnected between resolution and send; same handling as a
		// write failure.
		d.failed.Add(1)
		d.logger.Debug("target gone before delivery",
			zap.String("conn_id", connID),
			zap.String("event_id", job.transition.Event.ID),
		)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()

	if err := sub.Sink.Send(ctx, job.payload); err != nil {
		d.failed.Add(1)
		d.logger.Warn("delivery failed",
			zap.String("conn_id", connID),
			zap.String("event_id", job.transition.Event.ID),
			zap.Error(err),
		)
		return
	}

	d.delivered.Add(1)
}

// Stats returns delivery counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Escalated: d.escalated.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// DispatcherStats contains dispatch counters
type DispatcherStats struct {
	Delivered int64
	Failed    int64
	Escalated int64
	Dropped   int64
}
