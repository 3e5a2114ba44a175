package model

import (
	"sort"
	"time"
)

// TimelineItemKey identifies one timeline item (a tweet id, decimal string).
// It is supplied by the timeline provider and treated as opaque here.
type TimelineItemKey string

// EntityType enumerates the server record kinds associated with a timeline item.
type EntityType string

const (
	EntityUpload EntityType = "upload"
	EntityPost   EntityType = "post"
	EntityIllust EntityType = "illust"
	EntityArtist EntityType = "artist"
)

// AllEntityTypes lists every association kind in storage-key order.
var AllEntityTypes = []EntityType{EntityUpload, EntityPost, EntityIllust, EntityArtist}

// Plural returns the pluralized form used in API routes and storage keys.
func (e EntityType) Plural() string { return string(e) + "s" }

// StorageKey builds the durable key for an association, e.g. "posts-12345".
// The identity is usually a TimelineItemKey but may be an alias such as an
// artist account name or numeric user id.
func (e EntityType) StorageKey(ident string) string { return e.Plural() + "-" + ident }

// UploadStatus is the lifecycle state of an upload record.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadComplete   UploadStatus = "complete"
	UploadError      UploadStatus = "error"
	UploadFinished   UploadStatus = "finished"
)

// rank orders statuses for the monotonic transition check. Error is an
// absorbing branch reachable from pending/processing only.
func (s UploadStatus) rank() int {
	switch s {
	case UploadPending:
		return 0
	case UploadProcessing:
		return 1
	case UploadComplete:
		return 2
	case UploadFinished:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is legal.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	if next == UploadError {
		return s == UploadPending || s == UploadProcessing
	}
	if s == UploadError {
		return false
	}
	return next.rank() >= s.rank()
}

// Active reports whether the record still needs status polling.
func (s UploadStatus) Active() bool { return s == UploadPending || s == UploadProcessing }

// UploadRecord is one in-flight "create remote content from this timeline
// item" job. The tracker owns the canonical list; it is mirrored to durable
// storage and rebroadcast to sibling instances.
type UploadRecord struct {
	ID        int             `json:"id"`
	Status    UploadStatus    `json:"status"`
	ItemKey   TimelineItemKey `json:"tweet_id"`
	Account   string          `json:"account"`
	AccountID string          `json:"user_id,omitempty"`
	Illusts   []int           `json:"illusts"`
	Posts     []int           `json:"posts"`
	PoolID    *int            `json:"pool_id"`
	Expires   time.Time       `json:"expires"`
}

// Idents returns the identity aliases for artist association lookups:
// the account handle plus the numeric account id when known.
func (r *UploadRecord) Idents() []string {
	idents := []string{r.Account}
	if r.AccountID != "" {
		idents = append(idents, r.AccountID)
	}
	return idents
}

// RemoteRecord is a server record returned by a search, kept as the raw
// document plus the extracted id so callers can display the full payload.
type RemoteRecord struct {
	ID   int
	Data map[string]any
}

// PoolReference points at a server-side pool the user is curating.
type PoolReference struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	ElementCount int    `json:"element_count"`
}

// UploadErrorEntry is one server-reported error inside an upload status poll.
type UploadErrorEntry struct {
	ID      int    `json:"id"`
	Module  string `json:"module"`
	Message string `json:"message"`
}

// UploadStatusResult is one item of a status poll response.
type UploadStatusResult struct {
	ID               int                `json:"id"`
	Status           UploadStatus       `json:"status"`
	PostIDs          []int              `json:"post_ids"`
	DuplicatePostIDs []int              `json:"duplicate_post_ids"`
	Errors           []UploadErrorEntry `json:"errors"`
}

// UnionIDs returns the sorted deduplicated union of a and b.
func UnionIDs(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// DifferenceIDs returns the members of a not present in b, preserving order.
func DifferenceIDs(a, b []int) []int {
	drop := make(map[int]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	out := make([]int, 0, len(a))
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
