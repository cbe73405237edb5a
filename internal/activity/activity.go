// Package activity defines the event envelope exchanged between every
// component of the chat core: messages, joins, kicks, bans and the events
// published to the external bus all travel as an Activity.
package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Verbs used by the chat core.
const (
	VerbSend        = "send"
	VerbJoin        = "join"
	VerbLeave       = "leave"
	VerbKick        = "kick"
	VerbBan         = "ban"
	VerbCreate      = "create"
	VerbDelete      = "delete"
	VerbBlacklisted = "blacklisted"
	VerbSpam        = "spam"
	VerbConnect     = "connect"
	VerbDisconnect  = "disconnect"
	VerbReceived    = "receive"
	VerbRead        = "read"
)

// Target object types.
const (
	TypeRoom    = "room"
	TypePrivate = "private"
	TypeChannel = "channel"
)

// Attachment is a typed piece of extra data on an actor or object.
type Attachment struct {
	ObjectType string `json:"objectType"`
	Content    string `json:"content"`
}

// Actor is the user performing the activity. Attributes carry the user
// properties consulted by ACL rules (age, gender, membership, ...).
type Actor struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName,omitempty"`
	URL         string            `json:"url,omitempty"` // origin room of a cross-room send
	Attributes  map[string]string `json:"attributes,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Target is the room or channel the activity is aimed at.
type Target struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	ObjectType  string `json:"objectType,omitempty"` // room | private | channel
}

// Object is the payload. URL holds the target channel id for cross-room sends.
type Object struct {
	Content     string       `json:"content,omitempty"`
	URL         string       `json:"url,omitempty"`
	ObjectType  string       `json:"objectType,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Provider identifies the origin; URL holds the origin channel id.
type Provider struct {
	URL string `json:"url,omitempty"`
}

// Activity is the immutable event envelope. Methods that "modify" an
// activity return a copy.
type Activity struct {
	ID        string   `json:"id"`
	Verb      string   `json:"verb"`
	Actor     Actor    `json:"actor"`
	Target    Target   `json:"target"`
	Object    Object   `json:"object"`
	Provider  Provider `json:"provider"`
	Published string   `json:"published"`
}

// now is replaced in tests.
var now = time.Now

// New builds an activity with a fresh id and published timestamp.
func New(verb string, actor Actor, target Target, object Object) Activity {
	return Activity{
		ID:        uuid.New().String(),
		Verb:      verb,
		Actor:     actor.clone(),
		Target:    target,
		Object:    object.clone(),
		Published: now().UTC().Format(time.RFC3339),
	}
}

// IsPrivate reports whether the target is a private (direct) room.
func (a Activity) IsPrivate() bool {
	return a.Target.ObjectType == TypePrivate
}

// Attribute returns the actor attribute for key, or "" when absent.
func (a Activity) Attribute(key string) string {
	if a.Actor.Attributes == nil {
		return ""
	}
	return a.Actor.Attributes[key]
}

// WithActorAttachments returns a copy with the actor's attachments replaced.
func (a Activity) WithActorAttachments(atts []Attachment) Activity {
	c := a.Clone()
	c.Actor.Attachments = append([]Attachment(nil), atts...)
	return c
}

// WithTarget returns a copy aimed at a different target.
func (a Activity) WithTarget(t Target) Activity {
	c := a.Clone()
	c.Target = t
	return c
}

// Clone returns a deep copy.
func (a Activity) Clone() Activity {
	c := a
	c.Actor = a.Actor.clone()
	c.Object = a.Object.clone()
	return c
}

// Marshal encodes the activity as JSON.
func (a Activity) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("activity: marshal %s: %w", a.ID, err)
	}
	return data, nil
}

// Unmarshal decodes a JSON activity.
func Unmarshal(data []byte) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(data, &a); err != nil {
		return Activity{}, fmt.Errorf("activity: unmarshal: %w", err)
	}
	return a, nil
}

func (a Actor) clone() Actor {
	c := a
	if a.Attributes != nil {
		c.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			c.Attributes[k] = v
		}
	}
	c.Attachments = append([]Attachment(nil), a.Attachments...)
	return c
}

func (o Object) clone() Object {
	c := o
	c.Attachments = append([]Attachment(nil), o.Attachments...)
	return c
}
