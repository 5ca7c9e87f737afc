// Package notify publishes escalation and answer events on Redis channels.
// The officer websocket feed and the farmer apps subscribe to them.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

const OfficersChannel = "officers:escalations"

func QueryChannel(queryID string) string { return "queries:" + queryID }

func FarmerChannel(farmerID string) string { return "farmers:" + farmerID }

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Event struct {
	Type       string             `json:"type"`
	Escalation *models.Escalation `json:"escalation,omitempty"`
	Decision   *models.Decision   `json:"decision,omitempty"`
	Message    string             `json:"message,omitempty"`
	At         time.Time          `json:"at"`
}

type Notifier struct {
	publisher Publisher
	now       func() time.Time
}

var _ escalation.Notifier = (*Notifier)(nil)

func New(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher, now: time.Now}
}

// NotifyOfficers announces an escalation's current state on the officer feed.
func (n *Notifier) NotifyOfficers(ctx context.Context, esc *models.Escalation) error {
	if esc == nil {
		return eris.New("no escalation to announce")
	}
	return n.publish(ctx, OfficersChannel, Event{
		Type:       "escalation." + string(esc.Status),
		Escalation: esc,
		At:         n.now().UTC(),
	})
}

// NotifyFarmer publishes the decision on the query channel. Escalation
// events also go to the farmer channel, carrying the officer's answer once
// resolved.
func (n *Notifier) NotifyFarmer(ctx context.Context, d models.Decision, esc *models.Escalation) error {
	ev := Event{Type: "decision." + string(d.Outcome), Decision: &d, At: n.now().UTC()}
	if err := n.publish(ctx, QueryChannel(d.QueryID), ev); err != nil {
		return err
	}
	if esc == nil {
		return nil
	}

	ev.Escalation = esc
	switch {
	case d.Reason == models.ReasonOfficerResolved && esc.OfficerResponse != nil:
		ev.Message = *esc.OfficerResponse
	case d.Outcome == models.OutcomeEscalate:
		ev.Message = messages.Acknowledgement(messages.DefaultLocale)
	}
	return n.publish(ctx, FarmerChannel(esc.FarmerID), ev)
}

func (n *Notifier) publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "failed to marshal event")
	}
	if err := n.publisher.Publish(ctx, channel, payload); err != nil {
		return err
	}
	logger.Debug("Event published", zap.String("channel", channel), zap.String("type", ev.Type))
	return nil
}
