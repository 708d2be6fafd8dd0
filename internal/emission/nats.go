package emission

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/buildsched/internal/changes"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
	"git.home.luguber.info/inful/buildsched/internal/retry"
)

// envelope is the wire form of an emitted buildset.
type envelope struct {
	RequestSetID    string            `json:"request_set_id"`
	Scheduler       string            `json:"scheduler"`
	Builders        []string          `json:"builders"`
	BuildRequestIDs map[string]string `json:"build_request_ids"`
	Reason          string            `json:"reason"`
	Priority        int               `json:"priority"`
	Properties      map[string]any    `json:"properties,omitempty"`
	WaitedFor       bool              `json:"waited_for,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	SourceStamps    []SourceStamp     `json:"source_stamps"`
	ChangeIDs       []int64           `json:"change_ids,omitempty"`
	EmittedAt       time.Time         `json:"emitted_at"`
}

// NATSEmitter publishes buildsets to a JetStream subject. Transient publish
// failures are retried per the backoff policy before the error is surfaced
// to the scheduler.
type NATSEmitter struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	backoff retry.Policy
	log     *slog.Logger
}

// NewNATSEmitter connects to NATS and prepares a JetStream publisher on the
// given subject.
func NewNATSEmitter(url, subject string, log *slog.Logger) (*NATSEmitter, error) {
	if subject == "" {
		return nil, ferrors.ConfigError("emission subject is required").Build()
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryEmission, "failed to connect to NATS").
			WithContext("url", url).
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryEmission, "failed to create JetStream context").
			Build()
	}

	log.Info("buildset emitter connected", "url", url, "subject", subject)

	return &NATSEmitter{
		conn:    conn,
		js:      js,
		subject: subject,
		backoff: retry.DefaultPolicy(),
		log:     log,
	}, nil
}

func (e *NATSEmitter) AddBuildsetForSourceStamps(ctx context.Context, bs Buildset, stamps []SourceStamp) (BuildsetResult, error) {
	return e.publish(ctx, bs, stamps, nil)
}

func (e *NATSEmitter) AddBuildsetForChanges(ctx context.Context, bs Buildset, chs []changes.Change) (BuildsetResult, error) {
	return e.publish(ctx, bs, StampsFromChanges(chs), ChangeIDs(chs))
}

func (e *NATSEmitter) publish(ctx context.Context, bs Buildset, stamps []SourceStamp, changeIDs []int64) (BuildsetResult, error) {
	if len(bs.Builders) == 0 {
		return BuildsetResult{}, ferrors.ValidationError("buildset names no builders").
			WithContext("scheduler", bs.Scheduler).
			Build()
	}

	result := BuildsetResult{
		RequestSetID:    uuid.NewString(),
		BuildRequestIDs: make(map[string]string, len(bs.Builders)),
	}
	for _, builder := range bs.Builders {
		result.BuildRequestIDs[builder] = uuid.NewString()
	}

	data, err := json.Marshal(envelope{
		RequestSetID:    result.RequestSetID,
		Scheduler:       bs.Scheduler,
		Builders:        bs.Builders,
		BuildRequestIDs: result.BuildRequestIDs,
		Reason:          bs.Reason,
		Priority:        bs.Priority,
		Properties:      bs.Properties,
		WaitedFor:       bs.WaitedFor,
		Owner:           bs.Owner,
		SourceStamps:    stamps,
		ChangeIDs:       changeIDs,
		EmittedAt:       time.Now().UTC(),
	})
	if err != nil {
		return BuildsetResult{}, ferrors.WrapError(err, ferrors.CategoryEmission, "failed to marshal buildset").
			Build()
	}

	err = retry.Do(ctx, e.backoff, func() error {
		_, pubErr := e.js.Publish(ctx, e.subject, data)
		return pubErr
	})
	if err != nil {
		return BuildsetResult{}, ferrors.WrapError(err, ferrors.CategoryEmission, "failed to publish buildset").
			WithContext("subject", e.subject).
			Retryable().
			Build()
	}

	e.log.Debug("buildset emitted",
		logfields.Scheduler(bs.Scheduler),
		logfields.RequestSet(result.RequestSetID),
		"builders", bs.Builders,
		"change_ids", changeIDs)

	return result, nil
}

// Close closes the underlying NATS connection.
func (e *NATSEmitter) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	return nil
}
