package resync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// the master runs reducers over decoded json values
func masterCounterReducer(state any, action Action) any {
	value, _ := state.(float64)
	switch action.Type {
	case InitActionType:
		return float64(0)
	case "inc":
		return value + 1
	case "add":
		amount, _ := action.Payload.(float64)
		return value + amount
	default:
		return state
	}
}

func masterCardReducer(state any, action Action) any {
	values, ok := state.(map[string]any)
	if !ok {
		values = map[string]any{}
	}
	return testCardReducer(values, action)
}

// the client runs the typed equivalent. float64 matches the json
// decoding the master sees, so the checksums agree.
func clientCounterReducer(state float64, action Action) float64 {
	switch action.Type {
	case InitActionType:
		return 0
	case "inc":
		return state + 1
	case "add":
		amount, _ := action.Payload.(float64)
		return state + amount
	default:
		return state
	}
}

func startTestMaster(t *testing.T, ctx context.Context) (*Master, string, func()) {
	master := NewMasterWithDefaults(ctx)
	master.RegisterReducer("counter", masterCounterReducer)
	master.RegisterReducer("card", masterCardReducer)

	server := httptest.NewServer(master)
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return master, wsUrl, func() {
		server.Close()
		master.Close()
	}
}

func TestTwoClientConvergence(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	clientA := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientA.Close()
	assert.Equal(t, clientA.Connect(), nil)

	clientB := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientB.Close()
	assert.Equal(t, clientB.Connect(), nil)

	resourceA, err := CreateSyncedResource(clientA, "counter", float64(0), clientCounterReducer)
	assert.Equal(t, err, nil)
	defer resourceA.Close()

	resourceB, err := OpenResource(clientB, resourceA.Rid(), clientCounterReducer)
	assert.Equal(t, err, nil)
	defer resourceB.Close()

	// a's optimistic update is visible immediately
	assert.Equal(t, resourceA.Dispatch(Action{Type: "inc"}), nil)
	checkedA, err := resourceA.Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, checkedA.State, float64(1))

	// b adopts the master's echo
	waitFor(t, 5*time.Second, func() bool {
		checkedB, err := resourceB.Get()
		return err == nil && checkedB.State == float64(1)
	})
	checkedB, err := resourceB.Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, checkedB.Checksum, checkedA.Checksum)

	// and back the other way
	assert.Equal(t, resourceB.Dispatch(Action{Type: "add", Payload: float64(5)}), nil)
	waitFor(t, 5*time.Second, func() bool {
		checkedA, err := resourceA.Get()
		return err == nil && checkedA.State == float64(6)
	})
}

func TestPrivateActionStaysLocal(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	clientA := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientA.Close()
	assert.Equal(t, clientA.Connect(), nil)

	clientB := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientB.Close()
	assert.Equal(t, clientB.Connect(), nil)

	resourceA, err := CreateSyncedResource(clientA, "card", map[string]any{}, testCardReducer)
	assert.Equal(t, err, nil)
	defer resourceA.Close()

	resourceB, err := OpenResource(clientB, resourceA.Rid(), testCardReducer)
	assert.Equal(t, err, nil)
	defer resourceB.Close()

	err = resourceA.DispatchPrivate(
		Action{Type: "revealCard", Payload: map[string]any{"card": "A♠"}},
		Action{Type: "revealCard", Payload: map[string]any{"card": "?"}},
	)
	assert.Equal(t, err, nil)

	// a sees the private half
	checkedA, err := resourceA.Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, checkedA.State["card"], "A♠")

	// b only ever sees the public half
	waitFor(t, 5*time.Second, func() bool {
		checkedB, err := resourceB.Get()
		return err == nil && checkedB.State["card"] == "?"
	})
}

func TestSubscribeCatchUp(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	clientA := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientA.Close()
	assert.Equal(t, clientA.Connect(), nil)

	connA := clientA.ResourceConnection("counter")
	created, err := connA.Create(float64(0))
	assert.Equal(t, err, nil)

	// the resource moves on while nobody is subscribed
	_, err = connA.EmitAction(created.Rid, PublicAction(Action{Type: "inc"}))
	assert.Equal(t, err, nil)
	_, err = connA.EmitAction(created.Rid, PublicAction(Action{Type: "inc"}))
	assert.Equal(t, err, nil)

	// a late subscriber at the creation checkpoint catches up with a
	// reconciliation batch
	clientB := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientB.Close()
	assert.Equal(t, clientB.Connect(), nil)

	resource, err := NewResourceWithState(clientCounterReducer, 0)
	assert.Equal(t, err, nil)

	connB := clientB.ResourceConnection("counter")
	connB.OnReconciliatoryActions(created.Rid, func(event ReconciliatoryActionsEvent) {
		_, err := resource.ReconciliateActions(event.ReconciliatoryActions())
		assert.Equal(t, err, nil)
	})
	assert.Equal(t, connB.SubscribeSince(created.Rid, created.Checksum), nil)

	waitFor(t, 5*time.Second, func() bool {
		state, err := resource.GetUncheckedState()
		return err == nil && state == float64(2)
	})
}

func TestMasterErrors(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	client := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer client.Close()
	assert.Equal(t, client.Connect(), nil)

	_, err := client.ResourceConnection("counter").Get(RequireResourceIdentifier("counter:nope"))
	assert.NotEqual(t, err, nil)

	_, err = client.ResourceConnection("unregistered").Create(nil)
	assert.NotEqual(t, err, nil)
}

func TestClientSessions(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	client := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer client.Close()
	assert.Equal(t, client.Connect(), nil)
	conn := client.Connection()

	clientInfo, err := conn.CreateClient()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientInfo.UserId, conn.UserId())

	clientInfo, err = conn.GetClient()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientInfo.UserId, conn.UserId())

	assert.Equal(t, conn.RemoveClient(), nil)

	_, err = conn.GetClient()
	assert.NotEqual(t, err, nil)
}

func TestDesyncRefresh(t *testing.T) {
	ctx := context.Background()
	_, wsUrl, stop := startTestMaster(t, ctx)
	defer stop()

	clientA := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientA.Close()
	assert.Equal(t, clientA.Connect(), nil)

	clientB := NewMasterClient(ctx, DefaultMasterClientSettings(wsUrl))
	defer clientB.Close()
	assert.Equal(t, clientB.Connect(), nil)

	resourceA, err := CreateSyncedResource(clientA, "counter", float64(0), clientCounterReducer)
	assert.Equal(t, err, nil)
	defer resourceA.Close()

	resourceB, err := OpenResource(clientB, resourceA.Rid(), clientCounterReducer)
	assert.Equal(t, err, nil)
	defer resourceB.Close()

	desyncs := make(chan error, 8)
	resourceB.OnDesync(func(err error) {
		desyncs <- err
	})

	// b diverges locally without telling anyone
	assert.Equal(t, resourceB.Resource().UpdateUncheckedState(float64(100)), nil)

	// a's next action reaches b, whose reconciliation must fail and
	// trigger a master-wins refresh
	assert.Equal(t, resourceA.Dispatch(Action{Type: "inc"}), nil)

	select {
	case <-desyncs:
	case <-time.After(5 * time.Second):
		t.Fatal("desync not reported")
	}

	waitFor(t, 5*time.Second, func() bool {
		checkedB, err := resourceB.Get()
		return err == nil && checkedB.State == float64(1)
	})
}
