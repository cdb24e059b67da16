package resync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type FwdActionEvent struct {
	Rid      ResourceIdentifier `json:"rid"`
	Action   Action             `json:"action"`
	Checksum string             `json:"checksum"`
}

func (self FwdActionEvent) CheckedAction() CheckedAction {
	return CheckedAction{
		Action:   self.Action,
		Checksum: self.Checksum,
	}
}

type ReconciliatoryActionsEvent struct {
	Rid           ResourceIdentifier `json:"rid"`
	Actions       []CheckedAction    `json:"actions"`
	FinalChecksum string             `json:"finalChecksum"`
}

func (self ReconciliatoryActionsEvent) ReconciliatoryActions() ReconciliatoryActions {
	return ReconciliatoryActions{
		Actions:       self.Actions,
		FinalChecksum: self.FinalChecksum,
	}
}

type FwdActionFunction func(event FwdActionEvent)

type ReconciliatoryActionsFunction func(event ReconciliatoryActionsEvent)

// topic registry keyed by canonical rid
type subscriptionMap[T any] struct {
	mutex sync.Mutex
	subs  map[string]*callbackList[func(T)]
}

func newSubscriptionMap[T any]() *subscriptionMap[T] {
	return &subscriptionMap[T]{
		subs: map[string]*callbackList[func(T)]{},
	}
}

func (self *subscriptionMap[T]) subscribe(topic string, callback func(T)) func() {
	self.mutex.Lock()
	callbacks, ok := self.subs[topic]
	if !ok {
		callbacks = newCallbackList[func(T)]()
		self.subs[topic] = callbacks
	}
	self.mutex.Unlock()
	return callbacks.add(callback)
}

func (self *subscriptionMap[T]) publish(topic string, event T) {
	self.mutex.Lock()
	callbacks, ok := self.subs[topic]
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, callback := range callbacks.get() {
		callback(event)
	}
}

func ridTopic(rid ResourceIdentifier) string {
	return fmt.Sprintf("rid:%s", rid)
}

type createResourceArgs struct {
	ResourceType  ResourceType `json:"resourceType"`
	ResourceState any          `json:"resourceState"`
}

type getResourceStateArgs struct {
	Rid ResourceIdentifier `json:"rid"`
}

type emitActionArgs struct {
	Rid    ResourceIdentifier `json:"rid"`
	Action ActionOrPair       `json:"action"`
}

type subscribeArgs struct {
	ResourceId ResourceIdentifier `json:"resourceId"`
	// optional catch-up cursor, the checksum of the subscriber's
	// current state
	SinceChecksum string `json:"sinceChecksum,omitempty"`
}

type CreatedResource struct {
	Rid      ResourceIdentifier `json:"rid"`
	State    json.RawMessage    `json:"state"`
	Checksum string             `json:"checksum"`
}

type RemoteState struct {
	State    json.RawMessage `json:"state"`
	Checksum string          `json:"checksum"`
}

// ResourceConnection multiplexes the master-pushed events of one
// resource type over the shared connection. Events whose rid carries a
// foreign type are dropped, everything else re-dispatches on the rid
// topic. Connections of other types on the same master connection are
// independent, destroying one does not affect the others.
type ResourceConnection struct {
	conn         *MasterConnection
	resourceType ResourceType

	fwdActionSubs    *subscriptionMap[FwdActionEvent]
	reconciliateSubs *subscriptionMap[ReconciliatoryActionsEvent]

	mutex     sync.Mutex
	destroyed bool
	unsubs    []func()
}

func NewResourceConnection(conn *MasterConnection, resourceType ResourceType) *ResourceConnection {
	resourceConnection := &ResourceConnection{
		conn:             conn,
		resourceType:     resourceType,
		fwdActionSubs:    newSubscriptionMap[FwdActionEvent](),
		reconciliateSubs: newSubscriptionMap[ReconciliatoryActionsEvent](),
	}

	resourceConnection.unsubs = append(resourceConnection.unsubs,
		conn.on("fwdAction", func(val json.RawMessage) {
			var event FwdActionEvent
			if err := json.Unmarshal(val, &event); err != nil {
				glog.Infof("[rc]%s malformed fwdAction = %s\n", resourceType, err)
				return
			}
			if event.Rid.ResourceType != resourceType {
				glog.V(2).Infof("[rc]%s drop %s\n", resourceType, event.Rid)
				return
			}
			resourceConnection.fwdActionSubs.publish(ridTopic(event.Rid), event)
		}),
		conn.on("reconciliateActions", func(val json.RawMessage) {
			var event ReconciliatoryActionsEvent
			if err := json.Unmarshal(val, &event); err != nil {
				glog.Infof("[rc]%s malformed reconciliateActions = %s\n", resourceType, err)
				return
			}
			if event.Rid.ResourceType != resourceType {
				glog.V(2).Infof("[rc]%s drop %s\n", resourceType, event.Rid)
				return
			}
			resourceConnection.reconciliateSubs.publish(ridTopic(event.Rid), event)
		}),
	)

	return resourceConnection
}

func (self *ResourceConnection) ResourceType() ResourceType {
	return self.resourceType
}

// Create asks the master to create a resource of this connection's type.
func (self *ResourceConnection) Create(resourceState any) (*CreatedResource, error) {
	val, err := self.conn.Request("createResource", &createResourceArgs{
		ResourceType:  self.resourceType,
		ResourceState: resourceState,
	})
	if err != nil {
		return nil, err
	}
	created := &CreatedResource{}
	if err := json.Unmarshal(val, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (self *ResourceConnection) Get(rid ResourceIdentifier) (*RemoteState, error) {
	val, err := self.conn.Request("getResourceState", &getResourceStateArgs{
		Rid: rid,
	})
	if err != nil {
		return nil, err
	}
	remoteState := &RemoteState{}
	if err := json.Unmarshal(val, remoteState); err != nil {
		return nil, err
	}
	return remoteState, nil
}

// EmitAction transmits both halves of a pair. The master's contract is
// that only the public half is broadcast to other peers.
func (self *ResourceConnection) EmitAction(rid ResourceIdentifier, actionOrPair ActionOrPair) (json.RawMessage, error) {
	return self.conn.Request("emitAction", &emitActionArgs{
		Rid:    rid,
		Action: actionOrPair,
	})
}

func (self *ResourceConnection) Subscribe(rid ResourceIdentifier) error {
	_, err := self.conn.Request("subscribeToResource", &subscribeArgs{
		ResourceId: rid,
	})
	return err
}

// SubscribeSince subscribes with a catch-up cursor. If the master still
// has the trail after the given checksum it pushes a reconciliation
// batch covering the gap.
func (self *ResourceConnection) SubscribeSince(rid ResourceIdentifier, sinceChecksum string) error {
	_, err := self.conn.Request("subscribeToResource", &subscribeArgs{
		ResourceId:    rid,
		SinceChecksum: sinceChecksum,
	})
	return err
}

func (self *ResourceConnection) Unsubscribe(rid ResourceIdentifier) error {
	_, err := self.conn.Request("unsubscribeFromResource", &subscribeArgs{
		ResourceId: rid,
	})
	return err
}

func (self *ResourceConnection) OnFwdAction(rid ResourceIdentifier, callback FwdActionFunction) func() {
	return self.fwdActionSubs.subscribe(ridTopic(rid), func(event FwdActionEvent) {
		callback(event)
	})
}

func (self *ResourceConnection) OnReconciliatoryActions(rid ResourceIdentifier, callback ReconciliatoryActionsFunction) func() {
	return self.reconciliateSubs.subscribe(ridTopic(rid), func(event ReconciliatoryActionsEvent) {
		callback(event)
	})
}

// Destroy releases the two transport subscriptions.
func (self *ResourceConnection) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	unsubs := self.unsubs
	self.unsubs = nil
	self.mutex.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
