package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"protracker/domain"
)

// ActivitySink receives the recent-activity feed.
type ActivitySink interface {
	Publish(ctx context.Context, env domain.ActivityEnvelope) error
}

type statusActivityData struct {
	Status domain.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// Recorder wraps a Backend and publishes one activity per status update
// attempt. Feed failures are logged and never fail the update.
type Recorder struct {
	Backend
	sink   ActivitySink
	userID string
	logger *log.Logger
	now    func() time.Time
}

func NewRecorder(base Backend, sink ActivitySink, userID string, logger *log.Logger) *Recorder {
	if base == nil {
		panic("storage.NewRecorder: base backend is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Recorder{Backend: base, sink: sink, userID: userID, logger: logger, now: time.Now}
}

func (r *Recorder) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	err := r.Backend.UpdateStatus(ctx, taskID, status)
	if r.sink == nil {
		return err
	}

	kind := domain.ActivityStatusChanged
	data := statusActivityData{Status: status}
	if err != nil {
		kind = domain.ActivityStatusRejected
		data.Error = err.Error()
	}
	payload, mErr := sonic.Marshal(data)
	if mErr != nil {
		r.logger.WithError(mErr).WithField("task", taskID).Warn("encode activity")
		return err
	}
	env := domain.ActivityEnvelope{
		UserID: r.userID,
		Activity: domain.Activity{
			ID:         uuid.NewString(),
			EntityType: "task",
			EntityID:   taskID,
			Type:       kind,
			Data:       payload,
			Timestamp:  r.now().UnixMilli(),
		},
	}
	// The feed entry outlives a caller that gave up on the update.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if pErr := r.sink.Publish(pubCtx, env); pErr != nil {
		r.logger.WithError(pErr).WithFields(log.Fields{"task": taskID, "type": kind}).Warn("publish activity")
	}
	return err
}
