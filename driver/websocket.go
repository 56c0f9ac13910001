package driver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const wsCloseTimeout = time.Second

// Frames travel as binary WebSocket messages, one SocketCAN can_frame or
// canfd_frame per message.

// DialWebSocket connects to a CAN gateway such as WebSocketGateway and
// returns it as a tp.Transport.
func DialWebSocket(url string, log zerolog.Logger) (*Adapter, error) {
	return NewAdapter(NewWebSocketDevice(url, log), log)
}

// WebSocketDevice is the client side of a WebSocket CAN gateway.
type WebSocketDevice struct {
	url  string
	log  zerolog.Logger
	conn *websocket.Conn

	rx      chan tp.Frame
	done    chan struct{}
	wg      sync.WaitGroup
	writeMu sync.Mutex
	once    sync.Once
}

func NewWebSocketDevice(url string, log zerolog.Logger) *WebSocketDevice {
	return &WebSocketDevice{
		url:  url,
		log:  log,
		rx:   make(chan tp.Frame, loopbackBufferSize),
		done: make(chan struct{}),
	}
}

func (d *WebSocketDevice) Start() error {
	conn, _, err := websocket.DefaultDialer.Dial(d.url, nil)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", d.url, err)
	}
	d.conn = conn
	d.log.Info().Str("url", d.url).Msg("websocket gateway connected")
	d.wg.Add(1)
	go d.readLoop()
	return nil
}

func (d *WebSocketDevice) readLoop() {
	defer d.wg.Done()
	for {
		mt, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.log.Error().Err(err).Msg("websocket read")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := unmarshalFrame(data)
		if err != nil {
			d.log.Debug().Err(err).Msg("websocket message ignored")
			continue
		}
		select {
		case d.rx <- frame:
		case <-d.done:
			return
		default:
			d.log.Warn().Str("frame", frame.String()).Msg("websocket rx buffer full, frame dropped")
		}
	}
}

func (d *WebSocketDevice) Write(frame tp.Frame) error {
	b, err := marshalFrame(frame, frame.IsFD())
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (d *WebSocketDevice) RxChan() <-chan tp.Frame { return d.rx }

func (d *WebSocketDevice) Stop() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		if d.conn == nil {
			close(d.rx)
			return
		}
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout))
		d.writeMu.Unlock()
		err = d.conn.Close()
		d.wg.Wait()
		close(d.rx)
	})
	return err
}

// WebSocketGateway exposes a LoopbackBus over WebSocket. Every client gets
// its own unfiltered endpoint on the bus.
type WebSocketGateway struct {
	bus      *LoopbackBus
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWebSocketGateway(bus *LoopbackBus, log zerolog.Logger) *WebSocketGateway {
	return &WebSocketGateway{bus: bus, log: log}
}

func (g *WebSocketGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	ep := g.bus.endpoint()
	if err := ep.Start(); err != nil {
		return
	}
	defer ep.Stop()
	g.log.Debug().Str("remote", r.RemoteAddr).Msg("gateway client attached")

	go func() {
		for frame := range ep.RxChan() {
			b, err := marshalFrame(frame, frame.IsFD())
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			g.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("gateway client detached")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := unmarshalFrame(data)
		if err != nil {
			continue
		}
		if err := ep.Write(frame); err != nil {
			return
		}
	}
}
