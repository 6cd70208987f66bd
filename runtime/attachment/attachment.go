// Package attachment implements the content-addressed store completing
// spec.md §3's Attachment model and §6.4's attachments table (SPEC_FULL
// §3's "Attachment content-addressing" supplement): a message attachment
// with inline content is stored once, keyed by a hash of its bytes, so the
// same file referenced by multiple messages or re-sent across a reconnect
// is persisted exactly once. postMessage/postTrace in runtime/orchestrator
// never call into this package directly; the docId/content split is a
// transport-and-storage concern. runtime/transport/wsrpc's sendMessage
// handler calls Put to content-address an inline attachment before the
// message reaches the orchestrator, and its getAttachmentByDocId method
// calls Get to resolve a docId back to content for a peer that didn't
// originate it.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

type (
	// Doc is a stored attachment: its content and the content type the
	// producer supplied alongside it.
	Doc struct {
		ContentType string
		Content     []byte
	}

	// Store persists and resolves attachments by docId (spec.md §6.4).
	Store interface {
		// Put stores content under a content-addressed id, returning the
		// assigned docId. Storing identical content twice returns the same
		// docId without writing a second copy.
		Put(ctx context.Context, contentType string, content []byte) (docID string, err error)
		// Get resolves docID to its stored Doc. Returns a KindNotFound
		// conversation.Error (via the caller's own wrapping) when docID is
		// unknown; this package itself returns a plain error so it has no
		// dependency on runtime/conversation.
		Get(ctx context.Context, docID string) (Doc, error)
	}
)

// DocID computes the content-addressed id for content: sha256, hex-encoded.
// Empty content has no useful hash to address by (every empty attachment
// would collide on the same id despite possibly differing in contentType),
// so it falls back to a fresh random uuid instead.
func DocID(content []byte) string {
	if len(content) == 0 {
		return "empty-" + uuid.NewString()
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
