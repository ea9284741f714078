package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog/log"
)

// logsAPI is the subset of the CloudWatch Logs client the LogWriter uses
type logsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// PutLogEvents limits
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	eventOverhead  = 26
	maxEventBytes  = 256*1024 - eventOverhead

	// maxPendingEvents caps what is kept while CloudWatch is unreachable
	maxPendingEvents = 10 * maxBatchEvents
)

// DefaultLogFlushInterval is how often buffered lines are shipped
const DefaultLogFlushInterval = 5 * time.Second

// LogWriter is an io.Writer that streams each written line to a CloudWatch
// log stream. Writes never block on the network: lines are buffered and
// shipped every flush interval, when a batch fills up, and on Close.
type LogWriter struct {
	api    logsAPI
	group  string
	stream string

	mu      sync.Mutex
	pending []types.InputLogEvent
	size    int
	dropped int

	shipMu sync.Mutex

	kick      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewLogWriter creates the log group and stream if needed and starts shipping
func NewLogWriter(ctx context.Context, region, group, stream string) (*LogWriter, error) {
	cfg, err := loadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return startLogWriter(ctx, cloudwatchlogs.NewFromConfig(cfg), group, stream, DefaultLogFlushInterval)
}

func startLogWriter(ctx context.Context, api logsAPI, group, stream string, interval time.Duration) (*LogWriter, error) {
	w := &LogWriter{
		api:     api,
		group:   group,
		stream:  stream,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := w.ensureStream(ctx); err != nil {
		return nil, err
	}
	go w.run(interval)
	return w, nil
}

func (w *LogWriter) ensureStream(ctx context.Context) error {
	_, err := w.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(w.group),
		Tags:         map[string]string{TagManagedBy: ManagedByValue},
	})
	if err != nil && errorCode(err) != "ResourceAlreadyExistsException" {
		return fmt.Errorf("failed to create log group %s: %w", w.group, err)
	}
	_, err = w.api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(w.group),
		LogStreamName: aws.String(w.stream),
	})
	if err != nil && errorCode(err) != "ResourceAlreadyExistsException" {
		return fmt.Errorf("failed to create log stream %s: %w", w.stream, err)
	}
	return nil
}

// Write buffers p as one log event
func (w *LogWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	if len(p) == 0 {
		return n, nil
	}
	if len(p) > maxEventBytes {
		p = p[:maxEventBytes]
	}

	event := types.InputLogEvent{
		Message:   aws.String(strings.ToValidUTF8(string(p), "")),
		Timestamp: aws.Int64(time.Now().UnixMilli()),
	}

	w.mu.Lock()
	w.pending = append(w.pending, event)
	w.size += len(p) + eventOverhead
	if len(w.pending) > maxPendingEvents {
		over := len(w.pending) - maxPendingEvents
		for _, e := range w.pending[:over] {
			w.size -= len(aws.ToString(e.Message)) + eventOverhead
		}
		w.pending = append([]types.InputLogEvent(nil), w.pending[over:]...)
		w.dropped += over
	}
	full := len(w.pending) >= maxBatchEvents || w.size >= maxBatchBytes
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (w *LogWriter) run(interval time.Duration) {
	defer close(w.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := w.Flush(ctx); err != nil {
			log.Warn().Err(err).Str("log_group", w.group).Msg("failed to ship log events")
		}
		cancel()
	}
}

// Flush ships every buffered event. Events of a failed batch are kept for
// the next flush.
func (w *LogWriter) Flush(ctx context.Context) error {
	w.shipMu.Lock()
	defer w.shipMu.Unlock()

	w.mu.Lock()
	events := w.pending
	w.pending, w.size = nil, 0
	dropped := w.dropped
	w.dropped = 0
	w.mu.Unlock()

	if dropped > 0 {
		log.Warn().Int("events", dropped).Str("log_group", w.group).Msg("log events dropped")
	}

	for len(events) > 0 {
		batch := nextBatch(events)
		_, err := w.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(w.group),
			LogStreamName: aws.String(w.stream),
			LogEvents:     batch,
		})
		if err != nil {
			w.requeue(events)
			return fmt.Errorf("failed to put log events: %w", err)
		}
		events = events[len(batch):]
	}
	return nil
}

// requeue puts unsent events back ahead of anything written since
func (w *LogWriter) requeue(events []types.InputLogEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := make([]types.InputLogEvent, 0, len(events)+len(w.pending))
	merged = append(merged, events...)
	merged = append(merged, w.pending...)
	size := 0
	for _, e := range merged {
		size += len(aws.ToString(e.Message)) + eventOverhead
	}
	w.pending, w.size = merged, size
}

// nextBatch returns the longest prefix of events within the PutLogEvents limits
func nextBatch(events []types.InputLogEvent) []types.InputLogEvent {
	size := 0
	for i, e := range events {
		size += len(aws.ToString(e.Message)) + eventOverhead
		if i == maxBatchEvents || size > maxBatchBytes {
			return events[:i]
		}
	}
	return events
}

// Close stops the background shipper and flushes what is left
func (w *LogWriter) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.stop)
	})
	<-w.stopped
	return w.Flush(ctx)
}
