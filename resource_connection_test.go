package resync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func pushFwdAction(pipe *pipeTransport, event *FwdActionEvent) {
	eventJson, _ := json.Marshal(OkAck(event))
	pipe.receive(&Message{
		Event:   "fwdAction",
		Payload: eventJson,
	})
}

func TestTypeScopedRouting(t *testing.T) {
	ctx := context.Background()
	pipe := ackingPipe(nil)
	conn := NewMasterConnectionWithDefaults(ctx, pipe)
	defer conn.Close()
	assert.Equal(t, conn.Connect(), nil)

	gameConn := NewResourceConnection(conn, "game")
	defer gameConn.Destroy()
	chatConn := NewResourceConnection(conn, "chat")
	defer chatConn.Destroy()

	gameRid := RequireResourceIdentifier("game:42")
	chatRid := RequireResourceIdentifier("chat:42")
	otherGameRid := RequireResourceIdentifier("game:43")

	gameCalls := 0
	gameConn.OnFwdAction(gameRid, func(event FwdActionEvent) {
		gameCalls += 1
		assert.Equal(t, event.Rid, gameRid)
	})
	otherGameCalls := 0
	gameConn.OnFwdAction(otherGameRid, func(event FwdActionEvent) {
		otherGameCalls += 1
	})
	chatCalls := 0
	chatConn.OnFwdAction(chatRid, func(event FwdActionEvent) {
		chatCalls += 1
	})

	pushFwdAction(pipe, &FwdActionEvent{
		Rid:      gameRid,
		Action:   Action{Type: "inc"},
		Checksum: "abc",
	})

	// only the matching type and rid fire
	assert.Equal(t, gameCalls, 1)
	assert.Equal(t, otherGameCalls, 0)
	assert.Equal(t, chatCalls, 0)

	pushFwdAction(pipe, &FwdActionEvent{
		Rid:      chatRid,
		Action:   Action{Type: "say"},
		Checksum: "def",
	})
	assert.Equal(t, gameCalls, 1)
	assert.Equal(t, chatCalls, 1)
}

func TestResourceConnectionDestroy(t *testing.T) {
	ctx := context.Background()
	pipe := ackingPipe(nil)
	conn := NewMasterConnectionWithDefaults(ctx, pipe)
	defer conn.Close()
	assert.Equal(t, conn.Connect(), nil)

	gameConn := NewResourceConnection(conn, "game")
	chatConn := NewResourceConnection(conn, "chat")
	defer chatConn.Destroy()

	gameRid := RequireResourceIdentifier("game:1")
	chatRid := RequireResourceIdentifier("chat:1")

	gameCalls := 0
	gameConn.OnFwdAction(gameRid, func(event FwdActionEvent) {
		gameCalls += 1
	})
	chatCalls := 0
	chatConn.OnFwdAction(chatRid, func(event FwdActionEvent) {
		chatCalls += 1
	})

	// destroying one connection must not affect the others
	gameConn.Destroy()

	pushFwdAction(pipe, &FwdActionEvent{Rid: gameRid, Action: Action{Type: "inc"}, Checksum: "a"})
	pushFwdAction(pipe, &FwdActionEvent{Rid: chatRid, Action: Action{Type: "say"}, Checksum: "b"})

	assert.Equal(t, gameCalls, 0)
	assert.Equal(t, chatCalls, 1)
}

func TestUnsubscribeStopsRouting(t *testing.T) {
	ctx := context.Background()
	pipe := ackingPipe(nil)
	conn := NewMasterConnectionWithDefaults(ctx, pipe)
	defer conn.Close()
	assert.Equal(t, conn.Connect(), nil)

	gameConn := NewResourceConnection(conn, "game")
	defer gameConn.Destroy()

	rid := RequireResourceIdentifier("game:1")
	calls := 0
	unsub := gameConn.OnFwdAction(rid, func(event FwdActionEvent) {
		calls += 1
	})

	pushFwdAction(pipe, &FwdActionEvent{Rid: rid, Action: Action{Type: "inc"}, Checksum: "a"})
	assert.Equal(t, calls, 1)

	unsub()
	// idempotent
	unsub()

	pushFwdAction(pipe, &FwdActionEvent{Rid: rid, Action: Action{Type: "inc"}, Checksum: "b"})
	assert.Equal(t, calls, 1)
}

func TestReconciliationFromForwardAction(t *testing.T) {
	ctx := context.Background()
	pipe := ackingPipe(nil)
	conn := NewMasterConnectionWithDefaults(ctx, pipe)
	client := NewMasterClientWithConnection(ctx, conn)
	defer client.Close()
	assert.Equal(t, client.Connect(), nil)

	gameConn := client.ResourceConnection("game")
	// the connection is shared per type
	assert.Equal(t, client.ResourceConnection("game") == gameConn, true)

	rid := RequireResourceIdentifier("game:1")
	resource, err := NewResourceWithState(testCounterReducer, 5)
	assert.Equal(t, err, nil)

	updated := []CheckedState[int]{}
	_, err = resource.OnUpdated(func(checkedState CheckedState[int]) {
		updated = append(updated, checkedState)
	})
	assert.Equal(t, err, nil)

	gameConn.OnFwdAction(rid, func(event FwdActionEvent) {
		_, err := resource.ReconciliateAction(event.CheckedAction())
		assert.Equal(t, err, nil)
	})

	expected := RequireCheckedState(6)
	pushFwdAction(pipe, &FwdActionEvent{
		Rid:      rid,
		Action:   Action{Type: "inc"},
		Checksum: expected.Checksum,
	})

	checkedState, err := resource.Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, checkedState.State, 6)
	assert.Equal(t, checkedState.Checksum, expected.Checksum)
	assert.Equal(t, updated, []CheckedState[int]{checkedState})
}

func TestReconciliatoryActionsEventRouting(t *testing.T) {
	ctx := context.Background()
	pipe := ackingPipe(nil)
	conn := NewMasterConnectionWithDefaults(ctx, pipe)
	defer conn.Close()
	assert.Equal(t, conn.Connect(), nil)

	gameConn := NewResourceConnection(conn, "game")
	defer gameConn.Destroy()

	rid := RequireResourceIdentifier("game:1")
	received := []ReconciliatoryActionsEvent{}
	gameConn.OnReconciliatoryActions(rid, func(event ReconciliatoryActionsEvent) {
		received = append(received, event)
	})

	event := OkAck(&ReconciliatoryActionsEvent{
		Rid: rid,
		Actions: []CheckedAction{
			{Action: Action{Type: "inc"}, Checksum: "a"},
		},
		FinalChecksum: "a",
	})
	eventJson, _ := json.Marshal(event)
	pipe.receive(&Message{
		Event:   "reconciliateActions",
		Payload: eventJson,
	})

	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0].FinalChecksum, "a")
	assert.Equal(t, len(received[0].Actions), 1)
}
