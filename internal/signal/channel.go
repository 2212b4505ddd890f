package signal

import "context"

// Channel scopes a Store to a single call id. The negotiation engine and
// lifecycle coordinator only ever talk about one call at a time; the
// channel keeps the call id out of every call site.
type Channel struct {
	store  Store
	callID string
}

// NewChannel returns a channel bound to callID.
func NewChannel(store Store, callID string) *Channel {
	return &Channel{store: store, callID: callID}
}

// CallID returns the call id this channel is bound to.
func (c *Channel) CallID() string { return c.callID }

// SetCallFields merge-writes scalar fields into the call record.
func (c *Channel) SetCallFields(ctx context.Context, fields map[string]any) error {
	return c.store.MergeCall(ctx, c.callID, fields)
}

// Call returns the current call record, or ErrNotFound.
func (c *Channel) Call(ctx context.Context) (*CallRecord, error) {
	return c.store.GetCall(ctx, c.callID)
}

// SubscribeCall watches the call record. fn receives nil while the call has
// not been started.
func (c *Channel) SubscribeCall(ctx context.Context, fn func(*CallRecord)) (Unsubscribe, error) {
	return c.store.WatchCall(ctx, c.callID, fn)
}

// CreateSession stores a new session document under the given id.
func (c *Channel) CreateSession(ctx context.Context, sess SessionRecord) error {
	return c.store.CreateSession(ctx, c.callID, sess)
}

// UpdateSession merge-writes fields into an existing session document.
func (c *Channel) UpdateSession(ctx context.Context, sessionID string, fields map[string]any) error {
	return c.store.UpdateSession(ctx, c.callID, sessionID, fields)
}

// Sessions returns the current ordered session list.
func (c *Channel) Sessions(ctx context.Context) ([]SessionRecord, error) {
	return c.store.Sessions(ctx, c.callID)
}

// SubscribeSessions watches the ordered session list for this call.
func (c *Channel) SubscribeSessions(ctx context.Context, fn func([]SessionRecord)) (Unsubscribe, error) {
	return c.store.WatchSessions(ctx, c.callID, fn)
}

// AddCandidate appends an ICE candidate under a session.
func (c *Channel) AddCandidate(ctx context.Context, sessionID string, cand CandidateRecord) error {
	return c.store.AddCandidate(ctx, c.callID, sessionID, cand)
}

// SubscribeCandidates watches the candidate list of one session.
func (c *Channel) SubscribeCandidates(ctx context.Context, sessionID string, fn func([]CandidateRecord)) (Unsubscribe, error) {
	return c.store.WatchCandidates(ctx, c.callID, sessionID, fn)
}

// DeleteSession removes a session document and its candidates.
func (c *Channel) DeleteSession(ctx context.Context, sessionID string) error {
	return c.store.DeleteSession(ctx, c.callID, sessionID)
}

// DeleteCall removes the call record and every subordinate document. Used
// by appointment completion only; refuses while the call is active.
func (c *Channel) DeleteCall(ctx context.Context) error {
	return c.store.DeleteCall(ctx, c.callID)
}
