// Package inmem provides an in-memory attachment.Store for tests and local
// development, grounded on runtime/log/inmem's map+sync.Mutex shape;
// production deployments use runtime/attachment/mongo instead.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/concord-hq/concord/runtime/attachment"
)

// Store implements attachment.Store in memory.
type Store struct {
	mu   sync.RWMutex
	docs map[string]attachment.Doc
}

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{docs: make(map[string]attachment.Doc)}
}

// Put implements attachment.Store.
func (s *Store) Put(_ context.Context, contentType string, content []byte) (string, error) {
	docID := attachment.DocID(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; ok {
		return docID, nil
	}
	s.docs[docID] = attachment.Doc{ContentType: contentType, Content: append([]byte(nil), content...)}
	return docID, nil
}

// Get implements attachment.Store.
func (s *Store) Get(_ context.Context, docID string) (attachment.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return attachment.Doc{}, errors.New("attachment: unknown docId")
	}
	return doc, nil
}
