// Package mongo is the low-level MongoDB client backing the durable
// attachment store, grounded on features/memory/mongo/clients/mongo's
// thin find-or-insert client shape.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

type (
	// Client exposes the Mongo operations the attachment store needs.
	Client interface {
		health.Pinger

		// Upsert stores doc if docID isn't already present, otherwise is a
		// no-op: content-addressed ids never need overwriting.
		Upsert(ctx context.Context, docID, contentType string, content []byte) error
		// Find returns the stored contentType/content for docID.
		// Returns mongo.ErrNoDocuments when docID is unknown.
		Find(ctx context.Context, docID string) (contentType string, content []byte, err error)
	}

	// Options configures the client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	doc struct {
		ID          string `bson:"_id"`
		ContentType string `bson:"contentType"`
		Content     []byte `bson:"content"`
	}
)

const (
	defaultCollection = "attachments"
	defaultTimeout    = 5 * time.Second
	clientName        = "attachment-mongo"
)

// New constructs a Client backed by the provided MongoDB connection.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) Upsert(ctx context.Context, docID, contentType string, content []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$setOnInsert": bson.M{"contentType": contentType, "content": content}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (c *client) Find(ctx context.Context, docID string) (string, []byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var d doc
	if err := c.coll.FindOne(ctx, bson.M{"_id": docID}).Decode(&d); err != nil {
		return "", nil, err
	}
	return d.ContentType, d.Content, nil
}
