// Package mongo implements the signaling store on MongoDB for hosted,
// multi-node deployments. Call records and sessions are plain documents;
// candidates are $push-appended arrays inside their session document, and
// subscriptions ride on collection change streams (which require a replica
// set, as hosted MongoDB provides).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carewire/telecall/internal/signal"
)

const (
	callsCollName    = "calls"
	sessionsCollName = "call_sessions"
)

// sessionDoc is the stored shape of a session. The _id is
// "<callID>/<sessionID>" so one index serves both direct lookups and the
// per-call change-stream filter.
type sessionDoc struct {
	ID         string                   `bson:"_id"`
	CallID     string                   `bson:"call_id"`
	SessionID  string                   `bson:"session_id"`
	Offer      string                   `bson:"offer,omitempty"`
	Answer     string                   `bson:"answer,omitempty"`
	Connected  bool                     `bson:"connected"`
	CreatedAt  primitive.DateTime       `bson:"created_at"`
	Candidates []signal.CandidateRecord `bson:"candidates,omitempty"`
}

func (d sessionDoc) record() signal.SessionRecord {
	return signal.SessionRecord{
		ID:        d.SessionID,
		Offer:     d.Offer,
		Answer:    d.Answer,
		Connected: d.Connected,
		CreatedAt: d.CreatedAt.Time(),
	}
}

func sessionKey(callID, sessionID string) string {
	return callID + "/" + sessionID
}

// Store is the MongoDB-backed signaling store.
type Store struct {
	calls    *mongo.Collection
	sessions *mongo.Collection

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	watchers   sync.WaitGroup
}

// New returns a store using the given database of an already-connected
// client.
func New(db *mongo.Database) (*Store, error) {
	sessions := db.Collection(sessionsCollName)
	if _, err := sessions.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{{Key: "call_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("ensure session index: %w", err)
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Store{
		calls:      db.Collection(callsCollName),
		sessions:   sessions,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// MergeCall $sets the given dotted field paths, creating the record on
// first write.
func (s *Store) MergeCall(ctx context.Context, callID string, fields map[string]any) error {
	set := bson.M{}
	for path, v := range fields {
		set[path] = v
	}
	_, err := s.calls.UpdateByID(ctx, callID,
		bson.M{"$set": set},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("merge call: %w", err)
	}
	return nil
}

// GetCall reads the call record.
func (s *Store) GetCall(ctx context.Context, callID string) (*signal.CallRecord, error) {
	var rec signal.CallRecord
	err := s.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, signal.ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &rec, nil
}

// WatchCall opens a change stream on the call document. The stream is
// opened before the initial read so no write between read and watch is
// lost.
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*signal.CallRecord)) (signal.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: callID}}}},
	}
	return s.watchStream(ctx, s.calls, pipeline, func(loadCtx context.Context) (any, error) {
		rec, err := s.GetCall(loadCtx, callID)
		if errors.Is(err, signal.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}, func(v any) {
		if v == nil {
			fn(nil)
			return
		}
		fn(v.(*signal.CallRecord))
	})
}

// DeleteCall removes the call record and all its sessions.
func (s *Store) DeleteCall(ctx context.Context, callID string) error {
	rec, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.Active {
		return signal.ErrCallInProgress
	}
	if _, err := s.sessions.DeleteMany(ctx, bson.M{"call_id": callID}); err != nil {
		return fmt.Errorf("delete call sessions: %w", err)
	}
	if _, err := s.calls.DeleteOne(ctx, bson.M{"_id": callID}); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// CreateSession inserts a session document with a server-assigned creation
// time. The filter only matches an absent document, so a duplicate id
// surfaces as a duplicate-key error on the upsert insert path rather than
// silently touching the existing session's timestamp.
func (s *Store) CreateSession(ctx context.Context, callID string, sess signal.SessionRecord) error {
	key := sessionKey(callID, sess.ID)
	setOnInsert := bson.M{
		"call_id":    callID,
		"session_id": sess.ID,
		"connected":  sess.Connected,
		"candidates": bson.A{},
	}
	if sess.Offer != "" {
		setOnInsert["offer"] = sess.Offer
	}
	if sess.Answer != "" {
		setOnInsert["answer"] = sess.Answer
	}
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": key, "created_at": bson.M{"$exists": false}},
		bson.M{
			"$setOnInsert": setOnInsert,
			"$currentDate": bson.M{"created_at": true},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return signal.ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession $sets the mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, callID, sessionID string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		switch k {
		case "answer", "connected":
			set[k] = v
		default:
			return fmt.Errorf("signal: unknown session field %q", k)
		}
	}
	res, err := s.sessions.UpdateByID(ctx, sessionKey(callID, sessionID), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return signal.ErrNotFound
	}
	return nil
}

func (s *Store) sessionList(ctx context.Context, callID string) ([]signal.SessionRecord, error) {
	cur, err := s.sessions.Find(ctx, bson.M{"call_id": callID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "session_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cur.Close(ctx)

	var out []signal.SessionRecord
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, doc.record())
	}
	return out, cur.Err()
}

// Sessions returns the current ordered session list.
func (s *Store) Sessions(ctx context.Context, callID string) ([]signal.SessionRecord, error) {
	return s.sessionList(ctx, callID)
}

// WatchSessions opens a change stream over this call's session documents
// and re-queries the ordered list on every event. Re-querying instead of
// decoding deltas keeps delete events (no fullDocument) on the same path
// as inserts and updates.
func (s *Store) WatchSessions(ctx context.Context, callID string, fn func([]signal.SessionRecord)) (signal.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: primitive.Regex{
			Pattern: "^" + regexp.QuoteMeta(callID+"/"),
		}}}}},
	}
	return s.watchStream(ctx, s.sessions, pipeline, func(loadCtx context.Context) (any, error) {
		return s.sessionList(loadCtx, callID)
	}, func(v any) {
		list, _ := v.([]signal.SessionRecord)
		fn(list)
	})
}

// AddCandidate appends one candidate to the session document's array.
func (s *Store) AddCandidate(ctx context.Context, callID, sessionID string, cand signal.CandidateRecord) error {
	res, err := s.sessions.UpdateByID(ctx, sessionKey(callID, sessionID),
		bson.M{"$push": bson.M{"candidates": cand}})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	if res.MatchedCount == 0 {
		return signal.ErrNotFound
	}
	return nil
}

func (s *Store) candidateList(ctx context.Context, callID, sessionID string) ([]signal.CandidateRecord, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionKey(callID, sessionID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("get candidates: %w", err)
	}
	return doc.Candidates, nil
}

// WatchCandidates watches one session document for candidate appends.
func (s *Store) WatchCandidates(ctx context.Context, callID, sessionID string, fn func([]signal.CandidateRecord)) (signal.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: sessionKey(callID, sessionID)}}}},
	}
	return s.watchStream(ctx, s.sessions, pipeline, func(loadCtx context.Context) (any, error) {
		return s.candidateList(loadCtx, callID, sessionID)
	}, func(v any) {
		list, _ := v.([]signal.CandidateRecord)
		fn(list)
	})
}

// DeleteSession removes a session document; candidates go with it.
func (s *Store) DeleteSession(ctx context.Context, callID, sessionID string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"_id": sessionKey(callID, sessionID)}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close cancels all change streams and waits for their goroutines.
func (s *Store) Close() error {
	s.cancelFunc()
	s.watchers.Wait()
	return nil
}

// watchStream opens the change stream first, then delivers the initial
// snapshot, then re-loads and delivers on every stream event.
func (s *Store) watchStream(
	ctx context.Context,
	coll *mongo.Collection,
	pipeline mongo.Pipeline,
	load func(context.Context) (any, error),
	deliver func(any),
) (signal.Unsubscribe, error) {
	streamCtx, cancel := context.WithCancel(s.cancelCtx)
	cs, err := coll.Watch(streamCtx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	first, err := load(ctx)
	if err != nil {
		cancel()
		cs.Close(context.Background())
		return nil, err
	}
	deliver(first)

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			snap, err := load(streamCtx)
			if err != nil {
				continue
			}
			deliver(snap)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
