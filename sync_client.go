package resync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

type MasterClientSettings struct {
	Url               string
	UserId            string
	ApiKey            string
	WaitForResponse   time.Duration
	TransportSettings *WsTransportSettings
}

func DefaultMasterClientSettings(url string) *MasterClientSettings {
	return &MasterClientSettings{
		Url:               url,
		WaitForResponse:   DefaultWaitForResponse,
		TransportSettings: DefaultWsTransportSettings(),
	}
}

// MasterClient owns the shared connection and one resource connection
// per resource type.
type MasterClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn *MasterConnection

	mutex               sync.Mutex
	resourceConnections map[ResourceType]*ResourceConnection
}

func NewMasterClient(ctx context.Context, settings *MasterClientSettings) *MasterClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	// settle the user id first, the transport identifies with it
	userId := settleUserId(settings.UserId, settings.ApiKey)
	transport := NewWsTransport(cancelCtx, settings.Url, userId, settings.ApiKey, settings.TransportSettings)
	conn := NewMasterConnection(cancelCtx, transport, &MasterConnectionSettings{
		UserId:          userId,
		ApiKey:          settings.ApiKey,
		WaitForResponse: settings.WaitForResponse,
	})

	return &MasterClient{
		ctx:                 cancelCtx,
		cancel:              cancel,
		conn:                conn,
		resourceConnections: map[ResourceType]*ResourceConnection{},
	}
}

// NewMasterClientWithConnection wraps an existing connection, tests use
// this with a pipe transport.
func NewMasterClientWithConnection(ctx context.Context, conn *MasterConnection) *MasterClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MasterClient{
		ctx:                 cancelCtx,
		cancel:              cancel,
		conn:                conn,
		resourceConnections: map[ResourceType]*ResourceConnection{},
	}
}

func (self *MasterClient) Connect() error {
	return self.conn.Connect()
}

func (self *MasterClient) Connection() *MasterConnection {
	return self.conn
}

// one connection per resource type, created lazily
func (self *MasterClient) ResourceConnection(resourceType ResourceType) *ResourceConnection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	resourceConnection, ok := self.resourceConnections[resourceType]
	if !ok {
		resourceConnection = NewResourceConnection(self.conn, resourceType)
		self.resourceConnections[resourceType] = resourceConnection
	}
	return resourceConnection
}

func (self *MasterClient) Close() {
	self.cancel()

	self.mutex.Lock()
	resourceConnections := self.resourceConnections
	self.resourceConnections = map[ResourceType]*ResourceConnection{}
	self.mutex.Unlock()

	for _, resourceConnection := range resourceConnections {
		resourceConnection.Destroy()
	}
	self.conn.Close()
}

type DesyncFunction func(err error)

// SyncedResource is the outer binding between a local resource and the
// master. Local dispatches are forwarded to the master in dispatch
// order, master-pushed events drive explicit reconciliation, and on
// divergence the local state is replaced by a full refresh after the
// desync callbacks fire.
type SyncedResource[S any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	rid                ResourceIdentifier
	resource           *Resource[S]
	resourceConnection *ResourceConnection

	emits chan ActionOrPair

	desyncCallbacks *callbackList[DesyncFunction]

	mutex  sync.Mutex
	closed bool
	unsubs []func()
}

// CreateSyncedResource creates the resource on the master and binds a
// local resource to it.
func CreateSyncedResource[S any](client *MasterClient, resourceType ResourceType, initialState S, reducer Reducer[S]) (*SyncedResource[S], error) {
	resourceConnection := client.ResourceConnection(resourceType)
	created, err := resourceConnection.Create(initialState)
	if err != nil {
		return nil, err
	}
	return bindResource(client, resourceConnection, created.Rid, reducer, initialState)
}

// OpenResource attaches to an existing master resource, seeding the
// local resource from the master state.
func OpenResource[S any](client *MasterClient, rid ResourceIdentifier, reducer Reducer[S]) (*SyncedResource[S], error) {
	resourceConnection := client.ResourceConnection(rid.ResourceType)
	remoteState, err := resourceConnection.Get(rid)
	if err != nil {
		return nil, err
	}
	var state S
	if err := json.Unmarshal(remoteState.State, &state); err != nil {
		return nil, err
	}
	return bindResource(client, resourceConnection, rid, reducer, state)
}

func bindResource[S any](
	client *MasterClient,
	resourceConnection *ResourceConnection,
	rid ResourceIdentifier,
	reducer Reducer[S],
	state S,
) (*SyncedResource[S], error) {
	resource, err := NewResourceWithState(reducer, state)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(client.ctx)
	syncedResource := &SyncedResource[S]{
		ctx:                cancelCtx,
		cancel:             cancel,
		rid:                rid,
		resource:           resource,
		resourceConnection: resourceConnection,
		emits:              make(chan ActionOrPair, WsSendBufferSize),
		desyncCallbacks:    newCallbackList[DesyncFunction](),
	}

	// the handlers run on the transport receive goroutine. desync
	// refreshes over the same connection, so it must not block the
	// receive loop that delivers its ack.
	unsubFwd := resourceConnection.OnFwdAction(rid, func(event FwdActionEvent) {
		if _, err := resource.ReconciliateAction(event.CheckedAction()); err != nil {
			go syncedResource.desync(err)
		}
	})
	unsubReconciliate := resourceConnection.OnReconciliatoryActions(rid, func(event ReconciliatoryActionsEvent) {
		if _, err := resource.ReconciliateActions(event.ReconciliatoryActions()); err != nil {
			go syncedResource.desync(err)
		}
	})
	unsubDispatched, err := resource.OnDispatched(func(event DispatchedEvent[S]) {
		select {
		case syncedResource.emits <- event.Action:
		case <-cancelCtx.Done():
		}
	})
	if err != nil {
		unsubFwd()
		unsubReconciliate()
		cancel()
		return nil, err
	}
	syncedResource.unsubs = append(syncedResource.unsubs, unsubFwd, unsubReconciliate, unsubDispatched)

	// subscribe after the handlers are wired so no event is missed.
	// the cursor lets the master close any gap since the state was
	// seeded with a reconciliation batch.
	checkedState, err := resource.Get()
	if err != nil {
		syncedResource.Close()
		return nil, err
	}
	if err := resourceConnection.SubscribeSince(rid, checkedState.Checksum); err != nil {
		syncedResource.Close()
		return nil, err
	}

	go syncedResource.emitLoop()

	return syncedResource, nil
}

func (self *SyncedResource[S]) Rid() ResourceIdentifier {
	return self.rid
}

func (self *SyncedResource[S]) Resource() *Resource[S] {
	return self.resource
}

func (self *SyncedResource[S]) Dispatch(action Action) error {
	return self.resource.Dispatch(action)
}

func (self *SyncedResource[S]) DispatchPrivate(privateAction Action, publicAction Action) error {
	return self.resource.DispatchPrivate(privateAction, publicAction)
}

func (self *SyncedResource[S]) Get() (CheckedState[S], error) {
	return self.resource.Get()
}

func (self *SyncedResource[S]) OnUpdated(callback UpdateFunction[CheckedState[S]]) (func(), error) {
	return self.resource.OnUpdated(callback)
}

// OnDesync fires when reconciliation detects divergence or a forwarded
// emit fails. A full refresh follows each desync.
func (self *SyncedResource[S]) OnDesync(callback DesyncFunction) func() {
	return self.desyncCallbacks.add(callback)
}

// forwards local dispatches to the master in dispatch order
func (self *SyncedResource[S]) emitLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case actionOrPair := <-self.emits:
			if _, err := self.resourceConnection.EmitAction(self.rid, actionOrPair); err != nil {
				glog.Warningf("[sr]%s emit error = %s\n", self.rid, err)
				self.desync(err)
			}
		}
	}
}

func (self *SyncedResource[S]) desync(err error) {
	for _, desyncCallback := range self.desyncCallbacks.get() {
		desyncCallback(err)
	}
	self.refresh()
}

// refresh replaces the local state with the master state. master wins.
func (self *SyncedResource[S]) refresh() {
	remoteState, err := self.resourceConnection.Get(self.rid)
	if err != nil {
		glog.Warningf("[sr]%s refresh error = %s\n", self.rid, err)
		return
	}
	var state S
	if err := json.Unmarshal(remoteState.State, &state); err != nil {
		glog.Warningf("[sr]%s refresh decode error = %s\n", self.rid, err)
		return
	}
	if err := self.resource.UpdateUncheckedState(state); err != nil {
		if !errors.Is(err, ErrAlreadyDestroyed) {
			glog.Warningf("[sr]%s refresh update error = %s\n", self.rid, err)
		}
		return
	}
	if checkedState, err := self.resource.Get(); err == nil && checkedState.Checksum != remoteState.Checksum {
		glog.Warningf("[sr]%s refresh checksum drift %s != %s\n", self.rid, checkedState.Checksum, remoteState.Checksum)
	}
}

// Close releases the local subscriptions, the master-side subscription,
// and destroys the local resource.
func (self *SyncedResource[S]) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	unsubs := self.unsubs
	self.unsubs = nil
	self.mutex.Unlock()

	self.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	if err := self.resourceConnection.Unsubscribe(self.rid); err != nil {
		glog.V(2).Infof("[sr]%s unsubscribe error = %s\n", self.rid, err)
	}
	self.resource.Destroy()
}
