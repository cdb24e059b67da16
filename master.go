package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Master is an in-memory master implementing the message catalog. It
// exists for tests and for the demo `serve` command, there is no
// persistence and no authorization. It orders actions per resource and
// runs the same checksum function as the clients.

type MasterSettings struct {
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingTimeout   time.Duration
	ActionLogSize int
}

func DefaultMasterSettings() *MasterSettings {
	return &MasterSettings{
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   15 * time.Second,
		PingTimeout:   1 * time.Second,
		ActionLogSize: 256,
	}
}

type masterResource struct {
	rid      ResourceIdentifier
	state    any
	checksum string
	// recent post-apply checkpoints, newest last. baseChecksum is the
	// checkpoint just before log[0], so a cursor at baseChecksum
	// replays the whole log.
	baseChecksum string
	log          []CheckedAction
}

type masterSession struct {
	userId     string
	createTime time.Time
}

type masterConn struct {
	ws     *websocket.Conn
	send   chan []byte
	userId string

	mutex      sync.Mutex
	subscribed map[string]bool
}

type Master struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MasterSettings
	upgrader websocket.Upgrader

	mutex     sync.Mutex
	reducers  map[ResourceType]Reducer[any]
	resources map[string]*masterResource
	sessions  map[string]*masterSession
	conns     map[*masterConn]bool
}

func NewMasterWithDefaults(ctx context.Context) *Master {
	return NewMaster(ctx, DefaultMasterSettings())
}

func NewMaster(ctx context.Context, settings *MasterSettings) *Master {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Master{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		reducers:  map[ResourceType]Reducer[any]{},
		resources: map[string]*masterResource{},
		sessions:  map[string]*masterSession{},
		conns:     map[*masterConn]bool{},
	}
}

// The master applies the public half of every emitted action with the
// reducer registered for the resource type.
func (self *Master) RegisterReducer(resourceType ResourceType, reducer Reducer[any]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.reducers[resourceType] = reducer
}

func (self *Master) ResourceIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	rids := maps.Keys(self.resources)
	slices.Sort(rids)
	return rids
}

func (self *Master) Close() {
	self.cancel()
}

func (self *Master) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[m]upgrade error = %s\n", err)
		return
	}

	conn := &masterConn{
		ws:         ws,
		send:       make(chan []byte, WsSendBufferSize),
		userId:     r.URL.Query().Get("user_id"),
		subscribed: map[string]bool{},
	}

	self.mutex.Lock()
	self.conns[conn] = true
	self.mutex.Unlock()

	glog.Infof("[m]connect %s\n", conn.userId)

	defer func() {
		self.mutex.Lock()
		delete(self.conns, conn)
		self.mutex.Unlock()
		ws.Close()
		glog.Infof("[m]disconnect %s\n", conn.userId)
	}()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case messageJson, ok := <-conn.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageJson); err != nil {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageJson, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage || len(messageJson) == 0 {
			continue
		}
		message := &Message{}
		if err := json.Unmarshal(messageJson, message); err != nil {
			glog.Infof("[m]%s malformed = %s\n", conn.userId, err)
			continue
		}
		self.handle(conn, message)
	}
}

func (self *masterConn) deliver(message *Message) {
	messageJson, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case self.send <- messageJson:
	default:
		glog.Infof("[m]drop %s<- backpressure\n", self.userId)
	}
}

func (self *masterConn) ack(token string, ack Ack) {
	ackJson, err := json.Marshal(ack)
	if err != nil {
		return
	}
	self.deliver(&Message{
		Event:   AckEvent,
		Token:   token,
		Payload: ackJson,
	})
}

func (self *masterConn) isSubscribed(rid ResourceIdentifier) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscribed[rid.String()]
}

func (self *Master) handle(conn *masterConn, message *Message) {
	var ack Ack
	switch message.Event {
	case "createResource":
		ack = self.createResource(message.Payload)
	case "getResourceState":
		ack = self.getResourceState(message.Payload)
	case "emitAction":
		ack = self.emitAction(conn, message.Payload)
	case "subscribeToResource":
		ack = self.subscribeToResource(conn, message.Payload)
	case "unsubscribeFromResource":
		ack = self.unsubscribeFromResource(conn, message.Payload)
	case "createClient":
		ack = self.createClient(message.Payload)
	case "getClient":
		ack = self.getClient(message.Payload)
	case "removeClient":
		ack = self.removeClient(message.Payload)
	default:
		ack = ErrAck(fmt.Sprintf("unknown event: %s", message.Event))
	}
	conn.ack(message.Token, ack)
}

// applies the reducer, turning a reducer panic into an errored ack
func applyReducer(reducer Reducer[any], state any, action Action) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panic: %v", r)
		}
	}()
	next = reducer(state, action)
	return
}

func (self *Master) createResource(payload json.RawMessage) Ack {
	var args createResourceArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return ErrAck(err.Error())
	}

	self.mutex.Lock()
	reducer, ok := self.reducers[args.ResourceType]
	self.mutex.Unlock()
	if !ok {
		return ErrAck(fmt.Sprintf("unknown resource type: %s", args.ResourceType))
	}

	state := args.ResourceState
	if state == nil {
		var err error
		state, err = applyReducer(reducer, nil, Action{Type: InitActionType})
		if err != nil {
			return ErrAck(err.Error())
		}
	}
	checksum, err := ComputeChecksum(state)
	if err != nil {
		return ErrAck(err.Error())
	}
	stateJson, err := canonicalJson(state)
	if err != nil {
		return ErrAck(err.Error())
	}

	rid := NewResourceIdentifier(args.ResourceType)
	self.mutex.Lock()
	self.resources[rid.String()] = &masterResource{
		rid:          rid,
		state:        state,
		checksum:     checksum,
		baseChecksum: checksum,
	}
	self.mutex.Unlock()

	glog.Infof("[m]create %s\n", rid)

	return OkAck(&CreatedResource{
		Rid:      rid,
		State:    stateJson,
		Checksum: checksum,
	})
}

func (self *Master) getResourceState(payload json.RawMessage) Ack {
	var args getResourceStateArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return ErrAck(err.Error())
	}

	self.mutex.Lock()
	resource, ok := self.resources[args.Rid.String()]
	if !ok {
		self.mutex.Unlock()
		return ErrAck(fmt.Sprintf("resource not found: %s", args.Rid))
	}
	state := resource.state
	checksum := resource.checksum
	self.mutex.Unlock()

	stateJson, err := canonicalJson(state)
	if err != nil {
		return ErrAck(err.Error())
	}
	return OkAck(&RemoteState{
		State:    stateJson,
		Checksum: checksum,
	})
}

func (self *Master) emitAction(conn *masterConn, payload json.RawMessage) Ack {
	var args emitActionArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return ErrAck(err.Error())
	}

	self.mutex.Lock()
	resource, ok := self.resources[args.Rid.String()]
	if !ok {
		self.mutex.Unlock()
		return ErrAck(fmt.Sprintf("resource not found: %s", args.Rid))
	}
	reducer, ok := self.reducers[args.Rid.ResourceType]
	if !ok {
		self.mutex.Unlock()
		return ErrAck(fmt.Sprintf("unknown resource type: %s", args.Rid.ResourceType))
	}

	// only the public half is applied and broadcast, the private half
	// stays with the emitting peer
	publicAction := args.Action.Public()
	next, err := applyReducer(reducer, resource.state, publicAction)
	if err != nil {
		self.mutex.Unlock()
		return ErrAck(err.Error())
	}
	checksum, err := ComputeChecksum(next)
	if err != nil {
		self.mutex.Unlock()
		return ErrAck(err.Error())
	}

	resource.state = next
	resource.checksum = checksum
	checkedAction := CheckedAction{
		Action:   publicAction,
		Checksum: checksum,
	}
	resource.log = append(resource.log, checkedAction)
	if self.settings.ActionLogSize < len(resource.log) {
		dropped := resource.log[:len(resource.log)-self.settings.ActionLogSize]
		resource.baseChecksum = dropped[len(dropped)-1].Checksum
		resource.log = resource.log[len(resource.log)-self.settings.ActionLogSize:]
	}
	conns := maps.Keys(self.conns)
	self.mutex.Unlock()

	glog.V(2).Infof("[m]emit %s %s -> %s\n", args.Rid, publicAction.Type, checksum)

	// the emitter already applied optimistically, everyone else gets
	// the forward action
	event := OkAck(&FwdActionEvent{
		Rid:      args.Rid,
		Action:   publicAction,
		Checksum: checksum,
	})
	eventJson, _ := json.Marshal(event)
	for _, other := range conns {
		if other == conn || !other.isSubscribed(args.Rid) {
			continue
		}
		other.deliver(&Message{
			Event:   "fwdAction",
			Payload: eventJson,
		})
	}

	return OkAck(checkedAction)
}

func (self *Master) subscribeToResource(conn *masterConn, payload json.RawMessage) Ack {
	var args subscribeArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return ErrAck(err.Error())
	}

	conn.mutex.Lock()
	conn.subscribed[args.ResourceId.String()] = true
	conn.mutex.Unlock()

	// a subscriber at a known recent checkpoint catches up with a
	// reconciliation batch instead of a full refresh
	if args.SinceChecksum != "" {
		self.mutex.Lock()
		resource, ok := self.resources[args.ResourceId.String()]
		var trail []CheckedAction
		var finalChecksum string
		if ok && resource.checksum != args.SinceChecksum {
			if resource.baseChecksum == args.SinceChecksum {
				trail = slices.Clone(resource.log)
				finalChecksum = resource.checksum
			} else {
				i := slices.IndexFunc(resource.log, func(checkedAction CheckedAction) bool {
					return checkedAction.Checksum == args.SinceChecksum
				})
				if 0 <= i {
					trail = slices.Clone(resource.log[i+1:])
					finalChecksum = resource.checksum
				}
			}
		}
		self.mutex.Unlock()

		if 0 < len(trail) {
			event := OkAck(&ReconciliatoryActionsEvent{
				Rid:           args.ResourceId,
				Actions:       trail,
				FinalChecksum: finalChecksum,
			})
			eventJson, _ := json.Marshal(event)
			conn.deliver(&Message{
				Event:   "reconciliateActions",
				Payload: eventJson,
			})
		}
	}

	return OkAck(nil)
}

func (self *Master) unsubscribeFromResource(conn *masterConn, payload json.RawMessage) Ack {
	var args subscribeArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return ErrAck(err.Error())
	}

	conn.mutex.Lock()
	delete(conn.subscribed, args.ResourceId.String())
	conn.mutex.Unlock()

	return OkAck(nil)
}

func (self *Master) createClient(payload json.RawMessage) Ack {
	var clientInfo ClientInfo
	if err := json.Unmarshal(payload, &clientInfo); err != nil {
		return ErrAck(err.Error())
	}
	if clientInfo.UserId == "" {
		return ErrAck("missing userId")
	}

	self.mutex.Lock()
	self.sessions[clientInfo.UserId] = &masterSession{
		userId:     clientInfo.UserId,
		createTime: time.Now(),
	}
	self.mutex.Unlock()

	return OkAck(&clientInfo)
}

func (self *Master) getClient(payload json.RawMessage) Ack {
	var clientInfo ClientInfo
	if err := json.Unmarshal(payload, &clientInfo); err != nil {
		return ErrAck(err.Error())
	}

	self.mutex.Lock()
	_, ok := self.sessions[clientInfo.UserId]
	self.mutex.Unlock()
	if !ok {
		return ErrAck(fmt.Sprintf("client not found: %s", clientInfo.UserId))
	}
	return OkAck(&clientInfo)
}

func (self *Master) removeClient(payload json.RawMessage) Ack {
	var clientInfo ClientInfo
	if err := json.Unmarshal(payload, &clientInfo); err != nil {
		return ErrAck(err.Error())
	}

	self.mutex.Lock()
	delete(self.sessions, clientInfo.UserId)
	self.mutex.Unlock()

	return OkAck(nil)
}
