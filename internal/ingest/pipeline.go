package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/cache"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/queue"
	"github.com/techxen/vitals-server/internal/vitals"
)

// Pipeline consumes device samples, classifies them and drives the alert
// state machine. Samples are routed onto a fixed set of lanes by condition
// key: one condition always lands on the same lane, so its evaluations
// apply in arrival order, while distinct conditions run in parallel.
type Pipeline struct {
	consumer  *queue.Consumer
	machine   *alerting.Machine
	cache     *cache.VitalsCache
	logger    *zap.Logger
	laneCount int
	lanes     []chan *protocol.SampleMessage

	storeRetries int
	retryDelay   time.Duration

	invalid atomic.Int64
	dropped atomic.Int64

	wg     sync.WaitGroup
	runWG  sync.WaitGroup
	stopCh chan struct{}
}

// Config holds pipeline tuning knobs
type Config struct {
	LaneCount    int
	LaneDepth    int
	StoreRetries int
	RetryDelay   time.Duration
}

// NewPipeline creates the ingestion pipeline. The cache may be nil.
func NewPipeline(consumer *queue.Consumer, machine *alerting.Machine, vitalsCache *cache.VitalsCache, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.LaneCount <= 0 {
		cfg.LaneCount = 16
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = 256
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}

	p := &Pipeline{
		consumer:     consumer,
		machine:      machine,
		cache:        vitalsCache,
		logger:       logger,
		laneCount:    cfg.LaneCount,
		lanes:        make([]chan *protocol.SampleMessage, cfg.LaneCount),
		storeRetries: cfg.StoreRetries,
		retryDelay:   cfg.RetryDelay,
		stopCh:       make(chan struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan *protocol.SampleMessage, cfg.LaneDepth)
	}
	return p
}

// Start launches the lane workers
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.laneCount; i++ {
		p.wg.Add(1)
		go p.laneWorker(ctx, p.lanes[i])
	}
}

// Stop drains the lanes and waits for workers to finish. The lanes are
// only closed once the consume loop has exited, so a sample in flight
// during shutdown is either routed normally or rejected by Submit, never
// sent on a closed channel.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.runWG.Wait()
	for _, lane := range p.lanes {
		close(lane)
	}
	p.wg.Wait()
}

// Run consumes sample messages from Kafka until the context is cancelled.
// Malformed messages are counted, logged and committed; they never stall
// the stream.
func (p *Pipeline) Run(ctx context.Context) {
	p.runWG.Add(1)
	defer p.runWG.Done()

	// Stop must be able to unblock a pending Consume even when the
	// caller's context is still live, so the consume loop runs on a
	// derived context cancelled by stopCh.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to consume sample", zap.Error(err))
			continue
		}

		sampleMsg, err := protocol.DecodeSampleMessage(msg.Value)
		if err != nil {
			p.invalid.Add(1)
			p.logger.Warn("invalid sample message",
				zap.Error(err),
				zap.Int64("invalid_total", p.invalid.Load()),
			)
			if err := p.consumer.Commit(ctx, msg); err != nil {
				p.logger.Warn("failed to commit offset", zap.Error(err))
			}
			continue
		}

		if !p.Submit(sampleMsg) {
			// Shutting down. The offset stays uncommitted so the sample
			// is redelivered on the next start.
			return
		}

		if err := p.consumer.Commit(ctx, msg); err != nil {
			p.logger.Warn("failed to commit offset", zap.Error(err))
		}
	}
}

// Submit routes one decoded sample onto its condition's lane. It reports
// false once Stop has begun, and the sample is not routed. The caller
// must feed samples for one condition from a single goroutine to keep
// arrival order meaningful (the Kafka loop is that goroutine in
// production).
func (p *Pipeline) Submit(msg *protocol.SampleMessage) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	p.lanes[p.laneFor(msg.ConditionKey())] <- msg
	return true
}

func (p *Pipeline) laneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.laneCount))
}

func (p *Pipeline) laneWorker(ctx context.Context, lane <-chan *protocol.SampleMessage) {
	defer p.wg.Done()

	for msg := range lane {
		p.process(ctx, msg)
	}
}

func (p *Pipeline) process(ctx context.Context, msg *protocol.SampleMessage) {
	sample := msg.Sample()
	status := vitals.Evaluate(sample.Type, sample.Value)

	condition := alerting.Condition{
		PatientID:  sample.PatientID,
		SignalType: sample.Type,
	}

	// A store failure means the transition is not committed; retry a few
	// times, then drop the sample with an explicit count rather than
	// advancing state without a durable record.
	var err error
	for attempt := 0; attempt < p.storeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retryDelay)
		}
		if _, err = p.machine.OnEvaluation(ctx, condition, status, sample.RecordedAt); err == nil {
			break
		}
	}
	if err != nil {
		p.dropped.Add(1)
		p.logger.Error("dropping sample after persistence failures",
			zap.String("condition", condition.Key()),
			zap.Int64("dropped_total", p.dropped.Load()),
			zap.Error(err),
		)
		return
	}

	if p.cache != nil {
		vital := &cache.LatestVital{
			SignalType: sample.Type,
			Value:      sample.Value,
			Status:     status,
			RecordedAt: sample.RecordedAt,
			UpdatedAt:  time.Now(),
		}
		if err := p.cache.SetLatest(ctx, sample.PatientID, vital); err != nil {
			p.logger.Warn("failed to update vitals cache",
				zap.String("patient_id", sample.PatientID),
				zap.Error(err),
			)
		}
	}
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		InvalidSamples: p.invalid.Load(),
		DroppedSamples: p.dropped.Load(),
	}
}

// PipelineStats contains ingestion counters
type PipelineStats struct {
	InvalidSamples int64
	DroppedSamples int64
}
