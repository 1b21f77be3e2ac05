// Package webhook receives change-notification deliveries from the
// upstream work-tracking service, validates them, and hands typed change
// events to the reorder buffer. Malformed payloads are rejected here and
// never reach the core.
package webhook

import (
	"sort"
	"strings"
	"time"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/models"
)

// Payload is one raw webhook delivery.
type Payload struct {
	Message   *Message `json:"message"`
	Rule      *Rule    `json:"rule"`
	Timestamp string   `json:"Timestamp"`
}

// Message is the notification body.
type Message struct {
	ObjectID       string               `json:"object_id"`
	Ref            string               `json:"ref"`
	ObjectType     string               `json:"object_type"`
	Transaction    *Transaction         `json:"transaction"`
	State          map[string]Attribute `json:"state"`
	SubscriptionID int                  `json:"subscription_id"`
	MessageID      string               `json:"message_id"`
	Project        *Project             `json:"project"`
	ID             string               `json:"id"`
	DetailLink     string               `json:"detail_link"`
	MessageVersion int                  `json:"message_version"`
	Changes        map[string]Change    `json:"changes"`
	Action         string               `json:"action"`
}

// Transaction carries the authoritative event creation time in epoch
// milliseconds, plus the acting user.
type Transaction struct {
	TraceID      string `json:"trace_id"`
	Timestamp    int64  `json:"timestamp"`
	User         *User  `json:"user"`
	MessageID    string `json:"message_id"`
	ParentSpanID string `json:"parent_span_id"`
	SpanID       string `json:"span_id"`
	MessageLag   int64  `json:"message_lag"`
}

// User identifies who made the change upstream.
type User struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Attribute is one field of a Created event's full snapshot.
type Attribute struct {
	Value       interface{} `json:"value"`
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Ref         string      `json:"ref"`
}

// Project scopes the notification.
type Project struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Change is one field-level change of an Updated event.
type Change struct {
	Value       interface{} `json:"value"`
	OldValue    interface{} `json:"old_value"`
	Added       []Object    `json:"added"`
	Removed     []Object    `json:"removed"`
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Ref         string      `json:"ref"`
}

// Object is a reference to another upstream object inside a collection
// change.
type Object struct {
	Name        string `json:"name"`
	FormattedID string `json:"formatted_id"`
	Ref         string `json:"ref"`
	DetailLink  string `json:"detail_link"`
	ID          string `json:"id"`
	ObjectType  string `json:"object_type"`
}

// Rule describes the subscription that fired. Kept for observability;
// the pipeline does not act on it.
type Rule struct {
	Name           string   `json:"Name"`
	SubscriptionID int      `json:"SubscriptionID"`
	ObjectTypes    []string `json:"ObjectTypes"`
	ObjectUUID     string   `json:"ObjectUUID"`
	TargetURL      string   `json:"TargetUrl"`
	AppName        string   `json:"AppName"`
	Disabled       bool     `json:"Disabled"`
	CreationDate   string   `json:"CreationDate"`
	LastUpdateDate string   `json:"LastUpdateDate"`
	OwnerID        string   `json:"OwnerID"`
}

// ToChangeEvent validates the payload and converts it into a typed change
// event, with receivedAt as the local arrival time.
func (p *Payload) ToChangeEvent(receivedAt time.Time) (*models.ChangeEvent, error) {
	if p.Message == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "payload has no message")
	}
	m := p.Message
	if m.ObjectType == "" || m.ObjectID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "message missing object type or id")
	}
	action := models.Action(m.Action)
	if !action.Valid() {
		return nil, errors.New(errors.ErrorTypeValidation, "unsupported action").
			WithDetail("action", m.Action)
	}
	if m.Transaction == nil || m.Transaction.Timestamp <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "message missing transaction timestamp")
	}

	ev := &models.ChangeEvent{
		EntityType: m.ObjectType,
		ObjectID:   m.ObjectID,
		Action:     action,
		CreatedAt:  time.UnixMilli(m.Transaction.Timestamp).UTC(),
		ReceivedAt: receivedAt,
		User:       userName(m.Transaction.User),
	}

	if action == models.ActionCreated {
		ev.State = make(map[string]interface{}, len(m.State))
		for _, attr := range m.State {
			ev.State[attr.Name] = attr.Value
		}
	}

	if action == models.ActionUpdated {
		ev.Changes = make([]models.FieldChange, 0, len(m.Changes))
		for _, c := range m.Changes {
			ev.Changes = append(ev.Changes, models.FieldChange{
				Name:        c.Name,
				DisplayName: c.DisplayName,
				NewValue:    c.Value,
				OldValue:    c.OldValue,
				Added:       refObjects(c.Added),
				Removed:     refObjects(c.Removed),
			})
		}
		// Map iteration order is random; keep the change list stable.
		sort.Slice(ev.Changes, func(i, j int) bool { return ev.Changes[i].Name < ev.Changes[j].Name })
	}

	return ev, nil
}

// userName reduces the acting user to the local part of their email.
func userName(u *User) string {
	if u == nil {
		return ""
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

// refObjects converts wire objects to model references.
func refObjects(objs []Object) []models.RefObject {
	if len(objs) == 0 {
		return nil
	}
	out := make([]models.RefObject, len(objs))
	for i, o := range objs {
		out[i] = models.RefObject{
			ID:          o.ID,
			Name:        o.Name,
			FormattedID: o.FormattedID,
			Ref:         o.Ref,
			ObjectType:  o.ObjectType,
		}
	}
	return out
}
