package resync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const WsSendBufferSize = 32

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WsTransport is the production Transport, a websocket client that
// keeps one connection to the master, reconnecting with a fixed
// timeout. Empty frames are pings. Messages are json envelopes in text
// frames.
//
// The transport may reconnect transparently. It never replays anything,
// in-flight requests above it time out.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url        string
	userId     string
	apiKey     string
	instanceId string

	settings *WsTransportSettings

	send chan []byte

	messageCallbacks    *callbackList[MessageFunction]
	connectCallbacks    *callbackList[ConnectFunction]
	disconnectCallbacks *callbackList[ConnectFunction]

	mutex   sync.Mutex
	started bool
}

func NewWsTransportWithDefaults(ctx context.Context, url string, userId string, apiKey string) *WsTransport {
	return NewWsTransport(ctx, url, userId, apiKey, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, url string, userId string, apiKey string, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:                 cancelCtx,
		cancel:              cancel,
		url:                 url,
		userId:              userId,
		apiKey:              apiKey,
		instanceId:          ulid.Make().String(),
		settings:            settings,
		send:                make(chan []byte, WsSendBufferSize),
		messageCallbacks:    newCallbackList[MessageFunction](),
		connectCallbacks:    newCallbackList[ConnectFunction](),
		disconnectCallbacks: newCallbackList[ConnectFunction](),
	}
}

func (self *WsTransport) Connect() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.started {
		return nil
	}
	self.started = true
	go self.run()
	return nil
}

func (self *WsTransport) Disconnect() {
	self.cancel()
}

func (self *WsTransport) Send(message *Message) error {
	messageJson, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case self.send <- messageJson:
		return nil
	case <-self.ctx.Done():
		return ErrNotConnected
	case <-time.After(self.settings.WriteTimeout):
		return ErrNotConnected
	}
}

func (self *WsTransport) OnMessage(callback MessageFunction) func() {
	return self.messageCallbacks.add(callback)
}

func (self *WsTransport) OnConnect(callback ConnectFunction) func() {
	return self.connectCallbacks.add(callback)
}

func (self *WsTransport) OnDisconnect(callback ConnectFunction) func() {
	return self.disconnectCallbacks.add(callback)
}

func (self *WsTransport) dialUrl() (string, error) {
	u, err := url.Parse(self.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user_id", self.userId)
	q.Set("instance_id", self.instanceId)
	if self.apiKey != "" {
		q.Set("api_key", self.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *WsTransport) run() {
	defer self.cancel()

	dialUrl, err := self.dialUrl()
	if err != nil {
		glog.Infof("[t]bad url %s = %s\n", self.url, err)
		return
	}

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, dialUrl, nil)
		if err != nil {
			glog.Infof("[t]connect error %s = %s\n", self.userId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		for _, connectCallback := range self.connectCallbacks.get() {
			connectCallback()
		}

		self.pump(ws)

		for _, disconnectCallback := range self.disconnectCallbacks.get() {
			disconnectCallback()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsTransport) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageJson, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageJson); err != nil {
					// a websocket write deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.userId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", self.userId)
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
			glog.Infof("[tr]%s<- error = %s\n", self.userId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if len(messageJson) == 0 {
				// ping
				glog.V(2).Infof("[tr]ping %s<-\n", self.userId)
				continue
			}
			message := &Message{}
			if err := json.Unmarshal(messageJson, message); err != nil {
				glog.Infof("[tr]%s<- malformed = %s\n", self.userId, err)
				continue
			}
			for _, messageCallback := range self.messageCallbacks.get() {
				messageCallback(message)
			}
			glog.V(2).Infof("[tr]%s<-\n", self.userId)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.userId)
		}
	}
}
