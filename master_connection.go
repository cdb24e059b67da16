package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultWaitForResponse = 15 * time.Second

// topics the connection publishes locally on channel state changes
const (
	SocketConnectTopic    = "_socketConnect"
	SocketDisconnectTopic = "_socketDisconnect"
)

type MasterConnectionSettings struct {
	// absent, a random decimal user id is generated, or taken from the
	// api key when the key is jwt-shaped and carries a user_id claim
	UserId string
	// opaque credential, passed to the master as a connection-level
	// query parameter
	ApiKey string
	// ack window for each request
	WaitForResponse time.Duration
}

func DefaultMasterConnectionSettings() *MasterConnectionSettings {
	return &MasterConnectionSettings{
		WaitForResponse: DefaultWaitForResponse,
	}
}

// each message has a request channel and a response channel.
// push-only messages have no request channel.
type messageSpec struct {
	req string
	res string
}

var messageCatalog = map[string]messageSpec{
	"createResource":          {req: "createResource", res: "createResourceRes"},
	"getResourceState":        {req: "getResourceState", res: "getResourceStateRes"},
	"emitAction":              {req: "emitAction", res: "emitActionRes"},
	"subscribeToResource":     {req: "subscribeToResource", res: "subscribeToResourceRes"},
	"unsubscribeFromResource": {req: "unsubscribeFromResource", res: "unsubscribeFromResourceRes"},
	"createClient":            {req: "createClient", res: "createClientRes"},
	"getClient":               {req: "getClient", res: "getClientRes"},
	"removeClient":            {req: "removeClient", res: "removeClientRes"},
	"fwdAction":               {res: "fwdAction"},
	"reconciliateActions":     {res: "reconciliateActions"},
}

type HandlerFunction func(val json.RawMessage)

type ResultFunction func(val json.RawMessage, err error)

type pendingAck struct {
	token    string
	timer    *time.Timer
	callback ResultFunction
}

// MasterConnection correlates many concurrent in-flight requests over a
// single transport and fans incoming broadcasts out to topic
// subscribers.
//
// Every request resolves exactly once, with the ack when it arrives
// inside the wait window, with ErrRequestTimeout otherwise. A late ack
// is discarded. In-flight requests are not replayed across reconnects,
// retrying changes semantics, so the application layer decides.
type MasterConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *MasterConnectionSettings
	userId    string

	mutex         sync.Mutex
	nextRequestId int
	pendingAcks   map[string]*pendingAck
	topics        map[string]*callbackList[HandlerFunction]
	unsubs        []func()
}

func NewMasterConnectionWithDefaults(ctx context.Context, transport Transport) *MasterConnection {
	return NewMasterConnection(ctx, transport, DefaultMasterConnectionSettings())
}

func NewMasterConnection(ctx context.Context, transport Transport, settings *MasterConnectionSettings) *MasterConnection {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MasterConnection{
		ctx:         cancelCtx,
		cancel:      cancel,
		transport:   transport,
		settings:    settings,
		userId:      settleUserId(settings.UserId, settings.ApiKey),
		pendingAcks: map[string]*pendingAck{},
		topics:      map[string]*callbackList[HandlerFunction]{},
	}
}

func settleUserId(userId string, apiKey string) string {
	if userId != "" {
		return userId
	}
	if claims, err := ParseApiKeyUnverified(apiKey); err == nil && claims.UserId != "" {
		return claims.UserId
	}
	// decimal in [10_000_000_000, 999_999_999_999]
	return fmt.Sprintf("%d", 10_000_000_000+rand.Int63n(999_999_999_999-10_000_000_000+1))
}

func (self *MasterConnection) UserId() string {
	return self.userId
}

// Connect opens the underlying channel and wires the incoming handlers.
func (self *MasterConnection) Connect() error {
	self.mutex.Lock()
	self.unsubs = append(self.unsubs,
		self.transport.OnMessage(self.handleMessage),
		self.transport.OnConnect(func() {
			self.publish(SocketConnectTopic, nil)
		}),
		self.transport.OnDisconnect(func() {
			self.publish(SocketDisconnectTopic, nil)
		}),
	)
	self.mutex.Unlock()

	return self.transport.Connect()
}

func (self *MasterConnection) Disconnect() {
	self.transport.Disconnect()
}

func (self *MasterConnection) Close() {
	self.cancel()
	self.transport.Disconnect()

	self.mutex.Lock()
	unsubs := self.unsubs
	self.unsubs = nil
	self.mutex.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (self *MasterConnection) handleMessage(message *Message) {
	if message.Event == AckEvent {
		var ack Ack
		if err := json.Unmarshal(message.Payload, &ack); err != nil {
			glog.Infof("[mc]%s malformed ack = %s\n", message.Token, err)
			return
		}
		if ack.Ok {
			self.resolve(message.Token, ack.Val, nil)
		} else {
			self.resolve(message.Token, nil, ack.Err())
		}
		return
	}

	// broadcast. publish the ok value on the catalog topic,
	// errored broadcasts have no correlated awaiter and are dropped.
	for key, msgSpec := range messageCatalog {
		if msgSpec.res != message.Event {
			continue
		}
		var ack Ack
		if err := json.Unmarshal(message.Payload, &ack); err != nil {
			glog.V(2).Infof("[mc]drop malformed %s = %s\n", message.Event, err)
			return
		}
		if !ack.Ok {
			glog.V(2).Infof("[mc]drop errored %s\n", message.Event)
			return
		}
		self.publish(key, ack.Val)
		return
	}
	glog.V(2).Infof("[mc]drop unknown %s\n", message.Event)
}

// RequestWithCallback issues one request. The callback fires exactly
// once, with the ack result or with ErrRequestTimeout.
func (self *MasterConnection) RequestWithCallback(op string, args any, callback ResultFunction) {
	msgSpec, ok := messageCatalog[op]
	if !ok || msgSpec.req == "" {
		callback(nil, fmt.Errorf("unknown request op: %s", op))
		return
	}

	argsJson, err := json.Marshal(args)
	if err != nil {
		callback(nil, err)
		return
	}

	waitForResponse := self.settings.WaitForResponse
	if waitForResponse <= 0 {
		waitForResponse = DefaultWaitForResponse
	}

	self.mutex.Lock()
	// tokens are unique within the connection lifetime
	self.nextRequestId += 1
	token := fmt.Sprintf("%s:%05d", op, self.nextRequestId)
	pending := &pendingAck{
		token:    token,
		callback: callback,
	}
	pending.timer = time.AfterFunc(waitForResponse, func() {
		self.resolve(token, nil, ErrRequestTimeout)
	})
	self.pendingAcks[token] = pending
	self.mutex.Unlock()

	glog.Infof("[mc]%s ->\n", token)

	err = self.transport.Send(&Message{
		Event:   msgSpec.req,
		Token:   token,
		Payload: argsJson,
	})
	if err != nil {
		self.resolve(token, nil, err)
	}
}

// Request is the blocking form of RequestWithCallback.
func (self *MasterConnection) Request(op string, args any) (json.RawMessage, error) {
	type requestResult struct {
		val json.RawMessage
		err error
	}
	c := make(chan requestResult, 1)
	self.RequestWithCallback(op, args, func(val json.RawMessage, err error) {
		c <- requestResult{
			val: val,
			err: err,
		}
	})
	select {
	case result := <-c:
		return result.val, result.err
	case <-self.ctx.Done():
		return nil, ErrNotConnected
	}
}

// resolve fires the pending callback at most once. later resolutions
// for the same token, including late acks after a timeout, are dropped.
func (self *MasterConnection) resolve(token string, val json.RawMessage, err error) {
	self.mutex.Lock()
	pending, ok := self.pendingAcks[token]
	if !ok {
		self.mutex.Unlock()
		glog.V(2).Infof("[mc]%s late ack dropped\n", token)
		return
	}
	delete(self.pendingAcks, token)
	self.mutex.Unlock()

	pending.timer.Stop()

	if err != nil {
		glog.Warningf("[mc]%s error = %s\n", token, err)
	} else {
		glog.V(2).Infof("[mc]%s <- %s\n", token, string(val))
	}
	pending.callback(val, err)
}

// local topic pubsub

func (self *MasterConnection) on(topic string, handler HandlerFunction) func() {
	self.mutex.Lock()
	callbacks, ok := self.topics[topic]
	if !ok {
		callbacks = newCallbackList[HandlerFunction]()
		self.topics[topic] = callbacks
	}
	self.mutex.Unlock()
	return callbacks.add(handler)
}

func (self *MasterConnection) publish(topic string, val json.RawMessage) {
	self.mutex.Lock()
	callbacks, ok := self.topics[topic]
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, handler := range callbacks.get() {
		handler(val)
	}
}

// client session requests

type ClientInfo struct {
	UserId string `json:"userId"`
}

func (self *MasterConnection) CreateClient() (*ClientInfo, error) {
	return self.clientRequest("createClient")
}

func (self *MasterConnection) GetClient() (*ClientInfo, error) {
	return self.clientRequest("getClient")
}

func (self *MasterConnection) RemoveClient() error {
	_, err := self.Request("removeClient", &ClientInfo{UserId: self.userId})
	return err
}

func (self *MasterConnection) clientRequest(op string) (*ClientInfo, error) {
	val, err := self.Request(op, &ClientInfo{UserId: self.userId})
	if err != nil {
		return nil, err
	}
	clientInfo := &ClientInfo{}
	if err := json.Unmarshal(val, clientInfo); err != nil {
		return nil, err
	}
	return clientInfo, nil
}
