package mongo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/concord-hq/concord/runtime/conversation"
	"github.com/concord-hq/concord/runtime/log"
	clientsmongo "github.com/concord-hq/concord/runtime/log/mongo/clients/mongo"
)

// Docker-gated the same way registry/store/mongo/mongo_test.go is: a real
// MongoDB container backs these tests, skipped outright when Docker is
// unavailable rather than faked, since the thing worth proving here is that
// the atomic $inc counters and unique (conversation, seq) index actually
// enforce the append rule against a real server.
var (
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipTests     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	if testClient != nil || skipTests {
		return
	}

	ctx := context.Background()
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if containerErr != nil {
		t.Logf("docker not available, skipping mongo tests: %v", containerErr)
		skipTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		skipTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipTests = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipTests = true
		return
	}
	if err := testClient.Ping(ctx, nil); err != nil {
		skipTests = true
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	setupMongo(t)
	if skipTests {
		t.Skip("docker not available, skipping mongo test")
	}

	db := testClient.Database("concord_test_" + t.Name())
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	client, err := clientsmongo.New(clientsmongo.Options{Client: testClient, Database: db.Name()})
	require.NoError(t, err)
	store, err := NewStore(client)
	require.NoError(t, err)
	return store
}

func TestMongoStore_BasicHandoffRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, cErr := store.CreateConversation(ctx, conversation.Metadata{Agents: []conversation.AgentID{"alice", "bob"}})
	require.Nil(t, cErr)

	res1, err1 := store.Append(ctx, conv, conversation.Proposal{
		AgentID: "alice", Type: conversation.EventMessage, Finality: conversation.FinalityTurn,
		Message: &conversation.MessagePayload{Text: "hi"},
	})
	require.Nil(t, err1)
	require.Equal(t, 1, res1.Turn)
	require.Equal(t, int64(1), res1.Seq)

	res2, err2 := store.Append(ctx, conv, conversation.Proposal{
		AgentID: "bob", Type: conversation.EventMessage, Finality: conversation.FinalityTurn,
		Message: &conversation.MessagePayload{Text: "hello"},
	})
	require.Nil(t, err2)
	require.Equal(t, 2, res2.Turn)

	snap, sErr := store.Snapshot(ctx, conv, log.SnapshotOptions{})
	require.Nil(t, sErr)
	require.Len(t, snap.Events, 2)
	require.Equal(t, int64(2), snap.LastClosedSeq)
}

func TestMongoStore_RejectsTurnOwnedByOtherAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, cErr := store.CreateConversation(ctx, conversation.Metadata{Agents: []conversation.AgentID{"alice", "bob"}})
	require.Nil(t, cErr)

	_, err1 := store.Append(ctx, conv, conversation.Proposal{
		AgentID: "alice", Type: conversation.EventMessage, Finality: conversation.FinalityNone,
		Message: &conversation.MessagePayload{Text: "thinking"},
	})
	require.Nil(t, err1)

	_, err2 := store.Append(ctx, conv, conversation.Proposal{
		AgentID: "bob", Type: conversation.EventMessage, Finality: conversation.FinalityTurn,
		Message: &conversation.MessagePayload{Text: "interrupting"},
	})
	require.NotNil(t, err2)
	require.Equal(t, conversation.KindConflict, err2.Kind)
}

func TestMongoStore_ClientRequestIDDedupsAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, cErr := store.CreateConversation(ctx, conversation.Metadata{Agents: []conversation.AgentID{"alice"}})
	require.Nil(t, cErr)

	proposal := conversation.Proposal{
		AgentID: "alice", Type: conversation.EventMessage, Finality: conversation.FinalityNone,
		Message: &conversation.MessagePayload{Text: "hi", ClientRequestID: "req-1"},
	}
	res1, err1 := store.Append(ctx, conv, proposal)
	require.Nil(t, err1)

	res2, err2 := store.Append(ctx, conv, proposal)
	require.Nil(t, err2)
	require.Equal(t, res1, res2)

	events, lErr := store.ListSince(ctx, conv, 0, 0)
	require.Nil(t, lErr)
	require.Len(t, events, 1)
}

func TestMongoStore_AppendSystemUsesTurnZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, cErr := store.CreateConversation(ctx, conversation.Metadata{Agents: []conversation.AgentID{"alice"}})
	require.Nil(t, cErr)

	res, err := store.AppendSystem(ctx, conv, conversation.SystemPayload{Notice: "hello"})
	require.Nil(t, err)
	require.Equal(t, 0, res.Turn)
	require.Equal(t, 1, res.Event)
}
