package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/buildsched/internal/changes"
	"git.home.luguber.info/inful/buildsched/internal/events"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
)

// forceMessage is the wire form of an operator force-build request.
type forceMessage struct {
	Scheduler string `json:"scheduler"`
	Reason    string `json:"reason,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// intake bridges the NATS subjects onto the in-process bus. Change
// notifications decode into changes.Change and are published as
// events.ChangeReceived; force requests become events.ForceBuildRequested.
type intake struct {
	conn *nats.Conn
	bus  *events.Bus
	log  *slog.Logger

	subs []*nats.Subscription
}

func newIntake(url string, bus *events.Bus, log *slog.Logger) (*intake, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryChangeFeed, "failed to connect to NATS").
			WithContext("url", url).
			Build()
	}
	return &intake{conn: conn, bus: bus, log: log}, nil
}

// start subscribes to the change and force subjects. NATS delivers messages
// of one subscription sequentially, so arrival order is preserved through the
// bus publish.
func (in *intake) start(ctx context.Context, changeSubject, forceSubject string) error {
	changeSub, err := in.conn.Subscribe(changeSubject, func(msg *nats.Msg) {
		var ch changes.Change
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			in.log.Warn("dropping undecodable change notification",
				logfields.Subject(changeSubject), logfields.Error(err))
			return
		}
		if err := in.bus.Publish(ctx, events.ChangeReceived{Change: ch, ReceivedAt: time.Now().UTC()}); err != nil {
			in.log.Error("failed to publish change", logfields.ChangeID(ch.ID), logfields.Error(err))
		}
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryChangeFeed, "failed to subscribe to change subject").
			WithContext("subject", changeSubject).
			Build()
	}
	in.subs = append(in.subs, changeSub)

	forceSub, err := in.conn.Subscribe(forceSubject, func(msg *nats.Msg) {
		var req forceMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			in.log.Warn("dropping undecodable force request",
				logfields.Subject(forceSubject), logfields.Error(err))
			return
		}
		if req.Scheduler == "" {
			in.log.Warn("dropping force request without scheduler name")
			return
		}
		evt := events.ForceBuildRequested{
			Scheduler:   req.Scheduler,
			Reason:      req.Reason,
			Owner:       req.Owner,
			RequestedAt: time.Now().UTC(),
		}
		if err := in.bus.Publish(ctx, evt); err != nil {
			in.log.Error("failed to publish force request",
				logfields.Scheduler(req.Scheduler), logfields.Error(err))
		}
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryChangeFeed, "failed to subscribe to force subject").
			WithContext("subject", forceSubject).
			Build()
	}
	in.subs = append(in.subs, forceSub)

	in.log.Info("change intake started",
		"change_subject", changeSubject, "force_subject", forceSubject)
	return nil
}

func (in *intake) stop() {
	for _, sub := range in.subs {
		_ = sub.Unsubscribe()
	}
	in.conn.Close()
}
