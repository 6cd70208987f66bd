// Package mongo wires attachment.Store to a durable MongoDB-backed Client,
// grounded on features/memory/mongo/store.go's thin delegation shape.
package mongo

import (
	"context"
	"errors"

	"github.com/concord-hq/concord/runtime/attachment"
	clientsmongo "github.com/concord-hq/concord/runtime/attachment/mongo/clients/mongo"
)

// Store implements attachment.Store by delegating to a Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed attachment store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put implements attachment.Store.
func (s *Store) Put(ctx context.Context, contentType string, content []byte) (string, error) {
	docID := attachment.DocID(content)
	if err := s.client.Upsert(ctx, docID, contentType, content); err != nil {
		return "", err
	}
	return docID, nil
}

// Get implements attachment.Store.
func (s *Store) Get(ctx context.Context, docID string) (attachment.Doc, error) {
	contentType, content, err := s.client.Find(ctx, docID)
	if err != nil {
		return attachment.Doc{}, err
	}
	return attachment.Doc{ContentType: contentType, Content: content}, nil
}
