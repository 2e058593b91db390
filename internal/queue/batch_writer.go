package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/database"
	"github.com/techxen/vitals-server/internal/protocol"
)

// BatchWriter consumes sample messages from Kafka and batch-writes them to
// the signal history table. It runs in the recorder service, off the
// alerting path.
type BatchWriter struct {
	consumer      *Consumer
	db            *database.DB
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(consumer *Consumer, db *database.DB, batchSize int, flushInterval time.Duration, logger *zap.Logger) *BatchWriter {
	return &BatchWriter{
		consumer:      consumer,
		db:            db,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming and writing to the database
func (bw *BatchWriter) Start(ctx context.Context) error {
	bw.wg.Add(1)
	go bw.run(ctx)
	return nil
}

// Stop stops the batch writer gracefully
func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, 10)
	go func() {
		for {
			msg, err := bw.consumer.Consume(ctx)
			if err != nil {
				select {
				case <-bw.stopCh:
					return
				default:
					bw.logger.Warn("consumer error", zap.Error(err))
					continue
				}
			}
			msgChan <- msg
		}
	}()

	for {
		select {
		case <-bw.stopCh:
			// Flush remaining batch before stopping
			if len(batch) > 0 {
				bw.flush(ctx, batch)
			}
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bw.flush(ctx, batch)
				batch = nil
			}

		case msg := <-msgChan:
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				bw.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) {
	written := bw.writeBatch(batch)

	for _, msg := range batch {
		// Commit even on failure: a sample that cannot decode will never
		// decode, and history writes are best-effort.
		if err := bw.consumer.Commit(ctx, msg); err != nil {
			bw.logger.Warn("failed to commit offset", zap.Error(err))
		}
	}

	bw.logger.Info("flushed sample batch",
		zap.Int("batch_size", len(batch)),
		zap.Int("written", written),
	)
}

func (bw *BatchWriter) writeBatch(batch []kafka.Message) int {
	written := 0
	for _, msg := range batch {
		if err := bw.processMessage(msg); err != nil {
			bw.logger.Warn("failed to process sample", zap.Error(err))
			continue
		}
		written++
	}
	return written
}

func (bw *BatchWriter) processMessage(msg kafka.Message) error {
	sampleMsg, err := protocol.DecodeSampleMessage(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to decode sample: %w", err)
	}

	record := &database.SignalSample{
		PatientID:  sampleMsg.PatientID,
		DeviceID:   sampleMsg.DeviceID,
		SignalType: string(sampleMsg.SignalType),
		Value:      sampleMsg.Value,
		RecordedAt: sampleMsg.RecordedAt,
		ReceivedAt: sampleMsg.ReceivedAt,
	}
	if err := bw.db.InsertSignalSample(record); err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}

	return nil
}
