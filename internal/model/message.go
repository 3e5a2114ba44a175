package model

// Message is a broadcast envelope delivered to sibling instances. Variants
// are a closed set; dispatchers switch on the concrete type.
type Message interface {
	MessageType() string
}

// PendingUploadsMessage replaces the receiver's upload record list with the
// sender's copy. Receivers must not re-broadcast or re-persist it.
type PendingUploadsMessage struct {
	Records []UploadRecord
}

func (PendingUploadsMessage) MessageType() string { return "pendinguploads" }

// AssociationMessage merges a remote association update into the receiver's
// local cache. Idents carries alias identities (artist lookups).
type AssociationMessage struct {
	ItemKey TimelineItemKey
	Entity  EntityType
	IDs     []int
	Idents  []string
}

func (AssociationMessage) MessageType() string { return "preboorulink" }

// UIStateMessage tells receivers to re-read durable visibility flags.
type UIStateMessage struct {
	Scope string // "prebooru" or "linkmenu"
}

func (UIStateMessage) MessageType() string { return "ui" }

// PoolMessage invalidates locally cached current/prior pool references so the
// next read goes back to durable storage.
type PoolMessage struct{}

func (PoolMessage) MessageType() string { return "pool" }
