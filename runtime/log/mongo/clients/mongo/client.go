// Package mongo implements the low-level MongoDB client backing the durable
// event log. It is a thin, typed wrapper the way
// features/runlog/mongo/clients/mongo exposes only the operations its store
// needs, adapted here to the conversation/seq/turn/event identity this
// module's log owns instead of runlog's flat run-id keying.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/concord-hq/concord/runtime/conversation"
)

type (
	// Client exposes the Mongo-backed operations runtime/log/mongo.Store
	// needs: conversation registration, counter allocation, event
	// persistence and retrieval.
	Client interface {
		health.Pinger

		// CreateConversation inserts a new conversation document with
		// status active and zeroed counters, returning its assigned id.
		CreateConversation(ctx context.Context, meta conversation.Metadata) (conversation.ID, error)

		// LoadConversation returns a conversation's metadata, status, and
		// lastClosedSeq. Returns mongo.ErrNoDocuments if conv is unknown.
		LoadConversation(ctx context.Context, conv conversation.ID) (ConversationDoc, error)

		// NextCounters atomically increments conv's seq counter by one,
		// and its system-event counter by one when forSystem is set,
		// returning the post-increment values.
		NextCounters(ctx context.Context, conv conversation.ID, forSystem bool) (seq int64, sysEvent int, err error)

		// MarkClosed advances lastClosedSeq to seq (monotonically; a
		// smaller seq than what is already stored is a no-op) and, when
		// completed is set, transitions status to completed.
		MarkClosed(ctx context.Context, conv conversation.ID, seq int64, completed bool) error

		// InsertEvent persists e. Callers have already assigned
		// e.Seq/Turn/Event via NextCounters plus turn validation.
		InsertEvent(ctx context.Context, e conversation.UnifiedEvent) error

		// FindByClientRequestID looks up a prior event carrying
		// clientRequestId for (conv, agentID), for the append-rule's
		// round-trip dedup law. Returns found=false when there is none.
		FindByClientRequestID(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, clientRequestID string) (e conversation.UnifiedEvent, found bool, err error)

		// Events returns every event for conv in ascending seq order.
		Events(ctx context.Context, conv conversation.ID) ([]conversation.UnifiedEvent, error)

		// ListSince returns up to limit events with seq > sinceSeq, in
		// ascending seq order. limit <= 0 means no limit.
		ListSince(ctx context.Context, conv conversation.ID, sinceSeq int64, limit int) ([]conversation.UnifiedEvent, error)
	}

	// Options configures the client implementation.
	Options struct {
		Client           *mongodriver.Client
		Database         string
		EventsCollection string
		ConvsCollection  string
		Timeout          time.Duration
	}

	// ConversationDoc is a conversation document's data, decoupled from the
	// bson tags so callers never import this package's internal shapes.
	ConversationDoc struct {
		Metadata      conversation.Metadata
		Status        conversation.Status
		LastClosedSeq int64
	}

	client struct {
		mongo   *mongodriver.Client
		events  *mongodriver.Collection
		convs   *mongodriver.Collection
		timeout time.Duration
	}
)

const (
	defaultEventsCollection = "conversation_events"
	defaultConvsCollection  = "conversations"
	defaultTimeout          = 5 * time.Second
	clientName              = "conversation-log-mongo"
)

// New returns a Client backed by the provided MongoDB connection.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	convsColl := opts.ConvsCollection
	if convsColl == "" {
		convsColl = defaultConvsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	events := db.Collection(eventsColl)
	convs := db.Collection(convsColl)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, events); err != nil {
		return nil, err
	}

	return &client{mongo: opts.Client, events: events, convs: convs, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, events *mongodriver.Collection) error {
	_, err := events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "agentId", Value: 1}, {Key: "clientRequestId", Value: 1}},
			Options: options.Index().SetSparse(true)},
	})
	return err
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// conversationDoc is the on-disk shape of a conversation document. _id is a
// Mongo-assigned sequence number rather than an ObjectID: conversation.ID is
// a plain int64 (SPEC_FULL §2, matching the wire protocol's
// conversationId), so ids come from a dedicated counters document instead
// of deriving them from ObjectID.
type conversationDoc struct {
	ID            int64    `bson:"_id"`
	Agents        []string `bson:"agents"`
	ScenarioRef   string   `bson:"scenarioRef,omitempty"`
	Status        string   `bson:"status"`
	LastClosedSeq int64    `bson:"lastClosedSeq"`
	NextSeq       int64    `bson:"nextSeq"`
	NextSysEvent  int      `bson:"nextSysEvent"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

const conversationIDCounter = "conversation_id"

func (c *client) CreateConversation(ctx context.Context, meta conversation.Metadata) (conversation.ID, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	counters := c.convs.Database().Collection("counters")
	res := counters.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationIDCounter},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var counter counterDoc
	if err := res.Decode(&counter); err != nil {
		return 0, fmt.Errorf("allocate conversation id: %w", err)
	}

	agents := make([]string, len(meta.Agents))
	for i, a := range meta.Agents {
		agents[i] = string(a)
	}
	doc := conversationDoc{
		ID:          counter.Value,
		Agents:      agents,
		ScenarioRef: meta.ScenarioRef,
		Status:      string(conversation.StatusActive),
	}
	if _, err := c.convs.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return conversation.ID(counter.Value), nil
}

func (c *client) LoadConversation(ctx context.Context, conv conversation.ID) (ConversationDoc, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc conversationDoc
	if err := c.convs.FindOne(ctx, bson.M{"_id": int64(conv)}).Decode(&doc); err != nil {
		return ConversationDoc{}, err
	}
	agents := make([]conversation.AgentID, len(doc.Agents))
	for i, a := range doc.Agents {
		agents[i] = conversation.AgentID(a)
	}
	return ConversationDoc{
		Metadata:      conversation.Metadata{Agents: agents, ScenarioRef: doc.ScenarioRef},
		Status:        conversation.Status(doc.Status),
		LastClosedSeq: doc.LastClosedSeq,
	}, nil
}

func (c *client) NextCounters(ctx context.Context, conv conversation.ID, forSystem bool) (int64, int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	inc := bson.M{"nextSeq": int64(1)}
	if forSystem {
		inc["nextSysEvent"] = 1
	}
	res := c.convs.FindOneAndUpdate(ctx,
		bson.M{"_id": int64(conv)},
		bson.M{"$inc": inc},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc conversationDoc
	if err := res.Decode(&doc); err != nil {
		return 0, 0, err
	}
	return doc.NextSeq, doc.NextSysEvent, nil
}

func (c *client) MarkClosed(ctx context.Context, conv conversation.ID, seq int64, completed bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$max": bson.M{"lastClosedSeq": seq}}
	if completed {
		update["$set"] = bson.M{"status": string(conversation.StatusCompleted)}
	}
	_, err := c.convs.UpdateOne(ctx, bson.M{"_id": int64(conv)}, update)
	return err
}

// eventDocument is the on-disk shape of one unified event. Message/trace/
// system payloads are stored as raw marshaled JSON the way the teacher's
// runlog store keeps its Payload as opaque bytes, since the log itself
// never interprets event content (spec.md §4.1 Non-goals).
type eventDocument struct {
	Conversation    int64     `bson:"conversation"`
	Turn            int       `bson:"turn"`
	Event           int       `bson:"event"`
	Seq             int64     `bson:"seq"`
	AgentID         string    `bson:"agentId"`
	Ts              time.Time `bson:"ts"`
	Type            string    `bson:"type"`
	Finality        string    `bson:"finality,omitempty"`
	ClientRequestID string    `bson:"clientRequestId,omitempty"`
	Message         []byte    `bson:"message,omitempty"`
	Trace           []byte    `bson:"trace,omitempty"`
	System          []byte    `bson:"system,omitempty"`
}

func (c *client) InsertEvent(ctx context.Context, e conversation.UnifiedEvent) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc, err := encodeEvent(e)
	if err != nil {
		return err
	}
	_, err = c.events.InsertOne(ctx, doc)
	return err
}

func (c *client) FindByClientRequestID(ctx context.Context, conv conversation.ID, agentID conversation.AgentID, clientRequestID string) (conversation.UnifiedEvent, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc eventDocument
	err := c.events.FindOne(ctx, bson.M{
		"conversation":    int64(conv),
		"agentId":         string(agentID),
		"clientRequestId": clientRequestID,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return conversation.UnifiedEvent{}, false, nil
		}
		return conversation.UnifiedEvent{}, false, err
	}
	e, err := decodeEvent(doc)
	return e, true, err
}

func (c *client) Events(ctx context.Context, conv conversation.ID) ([]conversation.UnifiedEvent, error) {
	return c.query(ctx, bson.M{"conversation": int64(conv)}, 0)
}

func (c *client) ListSince(ctx context.Context, conv conversation.ID, sinceSeq int64, limit int) ([]conversation.UnifiedEvent, error) {
	filter := bson.M{"conversation": int64(conv), "seq": bson.M{"$gt": sinceSeq}}
	return c.query(ctx, filter, limit)
}

func (c *client) query(ctx context.Context, filter bson.M, limit int) ([]conversation.UnifiedEvent, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := c.events.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []conversation.UnifiedEvent
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := decodeEvent(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}
