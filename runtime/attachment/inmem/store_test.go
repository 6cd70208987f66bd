package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGetRoundTrips(t *testing.T) {
	s := New()
	docID, err := s.Put(context.Background(), "text/plain", []byte("hello"))
	require.NoError(t, err)

	doc, err := s.Get(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", doc.ContentType)
	assert.Equal(t, []byte("hello"), doc.Content)
}

func TestStore_PutDedupsIdenticalContent(t *testing.T) {
	s := New()
	id1, err := s.Put(context.Background(), "text/plain", []byte("same"))
	require.NoError(t, err)
	id2, err := s.Put(context.Background(), "text/plain", []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, s.docs, 1)
}

func TestStore_GetUnknownDocIDErrors(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nonexistent")
	assert.Error(t, err)
}

func TestStore_EmptyContentGetsDistinctIDs(t *testing.T) {
	s := New()
	id1, err := s.Put(context.Background(), "text/plain", nil)
	require.NoError(t, err)
	id2, err := s.Put(context.Background(), "text/plain", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}
