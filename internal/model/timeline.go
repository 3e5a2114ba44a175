package model

// TimelineItem is the timeline provider's output for one tweet: everything
// the engine needs to associate and upload it. The provider itself is
// external; this is only the consumed shape.
type TimelineItem struct {
	Key       TimelineItemKey `json:"tweet_id"`
	Account   string          `json:"account"`
	AccountID string          `json:"user_id,omitempty"`
	ImageURLs []string        `json:"image_urls,omitempty"`
}

// RequestURL rebuilds the item's canonical status URL for upload requests.
func (t TimelineItem) RequestURL() string {
	return "https://twitter.com/" + t.Account + "/status/" + string(t.Key)
}

// Idents returns the identity aliases used for artist association keys.
func (t TimelineItem) Idents() []string {
	idents := []string{t.Account}
	if t.AccountID != "" {
		idents = append(idents, t.AccountID)
	}
	return idents
}
