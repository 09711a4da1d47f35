package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "protracker/board"
	transitionSpanName  = "board.transition"
	transitionEventName = "transition.metrics"

	outcomeCommitted  = "committed"
	outcomeRolledBack = "rolled_back"
	outcomeNoop       = "noop"
)

type transitionMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	taskID          string
	target          string
	queueDuration   time.Duration
	commitDuration  time.Duration
	refreshDuration time.Duration
	views           int
	rewritten       int
	outcome         string
	refreshFailed   bool
}

func newTransitionMetrics(ctx context.Context, logger *log.Logger, req TransitionRequest, queued time.Time) (*transitionMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, transitionSpanName,
		trace.WithAttributes(
			attribute.String("protracker.task_id", req.TaskID),
			attribute.String("protracker.target_status", string(req.TargetStatus)),
			attribute.String("protracker.request_id", req.ID),
		),
	)
	m := &transitionMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		taskID: req.TaskID,
		target: string(req.TargetStatus),
	}
	if !queued.IsZero() {
		m.queueDuration = m.start.Sub(queued)
	}
	return m, ctx
}

func (m *transitionMetrics) ObserveCommit(d time.Duration) {
	if d > 0 {
		m.commitDuration = d
	}
}

func (m *transitionMetrics) ObserveRefresh(d time.Duration, failed bool) {
	if d > 0 {
		m.refreshDuration = d
	}
	m.refreshFailed = failed
}

func (m *transitionMetrics) SetViews(total, rewritten int) {
	m.views = total
	m.rewritten = rewritten
}

func (m *transitionMetrics) SetOutcome(outcome string) {
	m.outcome = outcome
}

// Finish ends the span and emits one structured log line.
func (m *transitionMetrics) Finish(err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)
	attrs := []attribute.KeyValue{
		attribute.String("protracker.outcome", m.outcome),
		attribute.Int("protracker.views", m.views),
		attribute.Int("protracker.views_rewritten", m.rewritten),
		attribute.Float64("protracker.total_ms", durationToMillis(total)),
		attribute.Float64("protracker.queue_ms", durationToMillis(m.queueDuration)),
		attribute.Float64("protracker.commit_ms", durationToMillis(m.commitDuration)),
	}
	if m.refreshDuration > 0 {
		attrs = append(attrs, attribute.Float64("protracker.refresh_ms", durationToMillis(m.refreshDuration)))
	}
	if m.refreshFailed {
		attrs = append(attrs, attribute.Bool("protracker.refresh_failed", true))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(transitionEventName, trace.WithAttributes(attrs...))
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"task":            m.taskID,
		"target_status":   m.target,
		"outcome":         m.outcome,
		"views":           m.views,
		"views_rewritten": m.rewritten,
		"total_ms":        durationToMillis(total),
	}
	if m.queueDuration > 0 {
		fields["queue_ms"] = durationToMillis(m.queueDuration)
	}
	if m.commitDuration > 0 {
		fields["commit_ms"] = durationToMillis(m.commitDuration)
	}
	if m.refreshDuration > 0 {
		fields["refresh_ms"] = durationToMillis(m.refreshDuration)
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn(transitionEventName)
		return
	}
	entry.Info(transitionEventName)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
