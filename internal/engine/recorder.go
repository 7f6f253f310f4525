package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dynamic-api/internal/database"
	"dynamic-api/internal/metrics"
	"dynamic-api/internal/models"

	"github.com/alitto/pond/v2"
)

// Event is the telemetry of one request attempt.
type Event struct {
	EndpointID  uint
	PrincipalID string
	IP          string
	UserAgent   string
	Params      map[string]any
	Status      int
	Duration    time.Duration
	Outcome     models.Outcome
	Error       string
	At          time.Time
}

type TelemetrySink interface {
	Record(ev Event)
}

type TelemetryStore interface {
	InsertAccessLog(ctx context.Context, entry *models.AccessLog) error
	UpsertDailyUsage(ctx context.Context, s database.UsageSample) error
}

// Broadcaster receives a live usage event after each recorded request.
type Broadcaster interface {
	Broadcast(v any)
}

type UsageEvent struct {
	Type       string  `json:"type"`
	EndpointID uint    `json:"endpoint_id"`
	Status     int     `json:"status"`
	Outcome    string  `json:"outcome"`
	DurationMS float64 `json:"duration_ms"`
	Date       string  `json:"date"`
	Timestamp  int64   `json:"timestamp"`
}

// Recorder writes the access log entry and the daily usage upsert of every
// event on a bounded worker pool.
type Recorder struct {
	store     TelemetryStore
	broadcast Broadcaster
	offset    func() int
	pool      pond.Pool
	log       *slog.Logger
	timeout   time.Duration
}

func NewRecorder(log *slog.Logger, store TelemetryStore, broadcast Broadcaster, offset func() int, workers int) *Recorder {
	if workers <= 0 {
		workers = 1
	}
	if offset == nil {
		offset = func() int { return 0 }
	}
	return &Recorder{
		store:     store,
		broadcast: broadcast,
		offset:    offset,
		pool:      pond.NewPool(workers),
		log:       log,
		timeout:   10 * time.Second,
	}
}

// UsageDate is the calendar day of t shifted by offsetMinutes east of UTC.
func UsageDate(t time.Time, offsetMinutes int) string {
	return t.UTC().Add(time.Duration(offsetMinutes) * time.Minute).Format("2006-01-02")
}

func (r *Recorder) Record(ev Event) {
	metrics.RecordExecution(ev.EndpointID, string(ev.Outcome), ev.Status)
	r.pool.Submit(func() { r.write(ev) })
}

func (r *Recorder) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	durationMS := float64(ev.Duration.Microseconds()) / 1000
	entry := &models.AccessLog{
		EndpointID: ev.EndpointID,
		IPAddress:  ev.IP,
		UserAgent:  ev.UserAgent,
		StatusCode: ev.Status,
		DurationMS: durationMS,
		Outcome:    ev.Outcome,
		CreatedAt:  ev.At,
	}
	if ev.PrincipalID != "" {
		entry.PrincipalID = &ev.PrincipalID
	}
	if ev.Error != "" {
		entry.ErrorMessage = &ev.Error
	}
	if len(ev.Params) > 0 {
		if b, err := json.Marshal(ev.Params); err == nil {
			entry.RequestParams = string(b)
		}
	}

	if err := r.store.InsertAccessLog(ctx, entry); err != nil {
		metrics.TelemetryDropped.Inc()
		r.log.Error("failed to write access log", "endpoint_id", ev.EndpointID, "error", err)
	}

	date := UsageDate(ev.At, r.offset())
	sample := database.UsageSample{
		EndpointID: ev.EndpointID,
		Date:       date,
		Success:    ev.Outcome == models.OutcomeSuccess,
		DurationMS: durationMS,
		At:         ev.At,
	}
	if err := r.store.UpsertDailyUsage(ctx, sample); err != nil {
		metrics.TelemetryDropped.Inc()
		r.log.Error("failed to update daily usage", "endpoint_id", ev.EndpointID, "date", date, "error", err)
		return
	}

	if r.broadcast != nil {
		r.broadcast.Broadcast(UsageEvent{
			Type:       "usage",
			EndpointID: ev.EndpointID,
			Status:     ev.Status,
			Outcome:    string(ev.Outcome),
			DurationMS: durationMS,
			Date:       date,
			Timestamp:  ev.At.Unix(),
		})
	}
}

// Close waits for queued writes to finish.
func (r *Recorder) Close() {
	r.pool.StopAndWait()
}
