package activitypub

import (
	"encoding/json"
	"fmt"
	"time"
)

// SupportedActivityTypes is the closed set of activity types the inbox
// pipeline dispatches. Anything else is accepted and ignored (202) rather
// than rejected, per the server's tolerant-receiver policy.
var SupportedActivityTypes = map[string]bool{
	"Create":   true,
	"Update":   true,
	"Delete":   true,
	"Follow":   true,
	"Accept":   true,
	"Reject":   true,
	"Undo":     true,
	"Like":     true,
	"Announce": true,
	"Add":      true,
	"Remove":   true,
	"Block":    true,
	"Flag":     true,
}

// IsSupportedActivityType reports whether t belongs to the closed set
// this server knows how to dispatch.
func IsSupportedActivityType(t string) bool {
	return SupportedActivityTypes[t]
}

// ObjectRef is an activity's "object" property, which JSON-LD allows to be
// either a bare URI string or an inline object document.
type ObjectRef struct {
	URI    string
	Inline *InlineObject
}

// IsURI reports whether the object was a bare URI reference rather than
// an inline document.
func (o *ObjectRef) IsURI() bool {
	return o != nil && o.Inline == nil
}

// ResolvedURI returns the object's id regardless of whether it arrived
// inline or as a bare URI.
func (o *ObjectRef) ResolvedURI() string {
	if o == nil {
		return ""
	}
	if o.Inline != nil {
		return o.Inline.ID
	}
	return o.URI
}

func (o *ObjectRef) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		o.URI = asString
		o.Inline = nil
		return nil
	}

	var inline InlineObject
	if err := json.Unmarshal(data, &inline); err != nil {
		return fmt.Errorf("object is neither a URI string nor an object: %w", err)
	}
	o.Inline = &inline
	return nil
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if o.Inline != nil {
		return json.Marshal(o.Inline)
	}
	return json.Marshal(o.URI)
}

// Tag represents an ActivityStreams tag entry — a Mention or Hashtag
// attached to an object.
type Tag struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// InlineObject is the strongly-typed shape of an object embedded directly
// in an activity (most commonly a Note wrapped by a Create).
type InlineObject struct {
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Content      string        `json:"content,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	AttributedTo string        `json:"attributedTo,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Published    *time.Time    `json:"published,omitempty"`
	To           stringOrSlice `json:"to,omitempty"`
	Cc           stringOrSlice `json:"cc,omitempty"`
	Tag          []Tag         `json:"tag,omitempty"`
}

// stringOrSlice decodes a JSON-LD property that may be a single string or
// an array of strings into a normalized []string.
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*s = []string{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s stringOrSlice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// Activity is the strongly-typed, parsed-once form of an ActivityStreams
// activity document. Every inbox and outbox code path after ParseActivity
// works against this struct; nothing downstream re-parses the raw JSON.
type Activity struct {
	Context   any           `json:"@context,omitempty"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor"`
	Object    *ObjectRef    `json:"object,omitempty"`
	Target    string        `json:"target,omitempty"`
	To        stringOrSlice `json:"to,omitempty"`
	Cc        stringOrSlice `json:"cc,omitempty"`
	Bcc       stringOrSlice `json:"bcc,omitempty"`
	Published *time.Time    `json:"published,omitempty"`

	// Raw preserves the exact bytes this activity was parsed from, so
	// storage can be byte-equivalent to what was received.
	Raw string `json:"-"`
}

// ParseActivity unmarshals raw into a strongly-typed Activity. It does not
// itself reject activities with a type outside the supported set — that
// policy decision belongs to the inbox pipeline, which accepts-and-ignores
// rather than rejects, per the server's tolerant-receiver contract.
func ParseActivity(raw []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed activity JSON: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("activity missing id")
	}
	if a.Type == "" {
		return nil, fmt.Errorf("activity missing type")
	}
	if a.Actor == "" {
		return nil, fmt.Errorf("activity missing actor")
	}
	a.Raw = string(raw)
	return &a, nil
}

// InReplyTo returns the inline object's inReplyTo, if this activity wraps
// one (typically a Create(Note)).
func (a *Activity) InReplyTo() string {
	if a.Object == nil || a.Object.Inline == nil {
		return ""
	}
	return a.Object.Inline.InReplyTo
}

// Addresses returns the union of to/cc/bcc on the activity itself; it does
// not descend into an inline object's own addressing.
func (a *Activity) Addresses() []string {
	out := make([]string, 0, len(a.To)+len(a.Cc)+len(a.Bcc))
	out = append(out, a.To...)
	out = append(out, a.Cc...)
	out = append(out, a.Bcc...)
	return out
}

// PublicAddressing is the well-known ActivityStreams "Public" collection
// URI used to mark an activity as publicly addressed.
const PublicAddressing = "https://www.w3.org/ns/activitystreams#Public"

// defaultMaxRetries is the delivery attempt ceiling before a queue item is
// marked Dead, used whenever a caller doesn't override it explicitly.
const defaultMaxRetries = 5

// IsPublic reports whether the activity is addressed to the special
// Public collection via to, cc, or bcc.
func (a *Activity) IsPublic() bool {
	for _, addr := range a.Addresses() {
		if addr == PublicAddressing {
			return true
		}
	}
	return false
}
