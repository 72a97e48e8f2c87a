// Package gateway implements the gateway side of the Semtech UDP packet
// forwarder protocol: it pushes received frames to a network server, keeps
// the downlink path open with PULL_DATA and reports PULL_RESP downlinks as
// events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-simulator/internal/metrics"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65507

// readTimeout bounds every socket read so the receive loop notices
// cancellation.
const readTimeout = 250 * time.Millisecond

var (
	// ErrNotActive is returned by Push while the gateway is not registered.
	ErrNotActive = errors.New("gateway not active")
	// ErrClosed is returned once the forwarder is closed.
	ErrClosed = errors.New("gateway closed")
)

// State of the link to the network server.
type State int

const (
	Disconnected State = iota
	Registering
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Registering:
		return "registering"
	case Active:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config of a forwarder.
type Config struct {
	EUI               lorawan.EUI64
	Server            string
	KeepaliveInterval time.Duration
	StatInterval      time.Duration
	PushTimeout       time.Duration
	PushRetries       int
	MaxFailures       int
	Latitude          float64
	Longitude         float64
	Altitude          int
}

func (c *Config) setDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.StatInterval <= 0 {
		c.StatInterval = 30 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = time.Second
	}
	if c.PushRetries < 0 {
		c.PushRetries = 0
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

// Event is a notification from the transport. It is either a DownlinkEvent
// or a StateChangedEvent.
type Event interface {
	event()
}

// DownlinkEvent carries a PULL_RESP as received.
type DownlinkEvent struct {
	Token      uint16
	TXPK       TXPK
	PHYPayload []byte
	Time       time.Time
}

// StateChangedEvent reports a state transition.
type StateChangedEvent struct {
	From State
	To   State
	Time time.Time
}

func (DownlinkEvent) event()     {}
func (StateChangedEvent) event() {}

// Stats are the cumulative packet counters of the forwarder.
type Stats struct {
	RXNb   uint32
	RXOK   uint32
	RXFW   uint32
	DWNb   uint32
	TXNb   uint32
	Pushes uint32
	Acked  uint32
}

// ACKR is the percentage of acknowledged pushes.
func (s Stats) ACKR() float64 {
	if s.Pushes == 0 {
		return 0
	}
	return 100 * float64(s.Acked) / float64(s.Pushes)
}

func (s Stats) sub(o Stats) Stats {
	return Stats{
		RXNb:   s.RXNb - o.RXNb,
		RXOK:   s.RXOK - o.RXOK,
		RXFW:   s.RXFW - o.RXFW,
		DWNb:   s.DWNb - o.DWNb,
		TXNb:   s.TXNb - o.TXNb,
		Pushes: s.Pushes - o.Pushes,
		Acked:  s.Acked - o.Acked,
	}
}

// Forwarder is the client side of the packet forwarder protocol. All
// methods are safe for concurrent use.
type Forwarder struct {
	cfg  Config
	conn *net.UDPConn

	writeMu sync.Mutex

	mu          sync.Mutex
	server      *net.UDPAddr
	token       uint16
	pending     map[uint16]chan struct{}
	pullToken   uint16
	pullPending bool
	missedPulls int
	statToken   uint16
	state       State
	failures    int
	active      chan struct{}
	stats       Stats
	reported    Stats

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New opens the local socket. Nothing is sent before Start.
func New(cfg Config) (*Forwarder, error) {
	cfg.setDefaults()
	if cfg.Server == "" {
		return nil, errors.New("gateway server address is required")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	return &Forwarder{
		cfg:     cfg,
		conn:    conn,
		token:   uint16(rand.Intn(1 << 16)),
		pending: make(map[uint16]chan struct{}),
		active:  make(chan struct{}),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}, nil
}

// EUI returns the gateway EUI.
func (f *Forwarder) EUI() lorawan.EUI64 { return f.cfg.EUI }

// Events returns the transport event channel. It is never closed; stop
// reading when the context is cancelled or Done is closed.
func (f *Forwarder) Events() <-chan Event { return f.events }

// Done is closed by Close.
func (f *Forwarder) Done() <-chan struct{} { return f.done }

// State returns the current link state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns the cumulative counters.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Start resolves the server, starts the receive and keep-alive loops and
// registers with the server.
func (f *Forwarder) Start(ctx context.Context) error {
	if err := f.resolve(); err != nil {
		return err
	}

	log.Info().
		Str("gateway", f.cfg.EUI.String()).
		Str("server", f.cfg.Server).
		Str("local", f.conn.LocalAddr().String()).
		Msg("gateway forwarder started")

	f.wg.Add(2)
	go f.readLoop(ctx)
	go f.tickLoop(ctx)

	f.register()
	return nil
}

// WaitActive blocks until the gateway is active.
func (f *Forwarder) WaitActive(ctx context.Context) error {
	f.mu.Lock()
	if f.state == Active {
		f.mu.Unlock()
		return nil
	}
	ch := f.active
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	}
}

// Push sends rxpk in one PUSH_DATA and waits for the matching PUSH_ACK. On
// timeout the same datagram, token included, is sent again up to
// PushRetries times before ErrTransportTimeout is returned.
func (f *Forwarder) Push(ctx context.Context, rxpk []RXPK) error {
	if len(rxpk) == 0 {
		return nil
	}
	body, err := json.Marshal(PushDataPayload{RXPK: rxpk})
	if err != nil {
		return fmt.Errorf("marshal rxpk: %w", err)
	}

	f.mu.Lock()
	if f.state != Active {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	token := f.nextTokenLocked()
	ack := make(chan struct{}, 1)
	f.pending[token] = ack
	n := uint32(len(rxpk))
	f.stats.RXNb += n
	f.stats.RXOK += n
	f.stats.RXFW += n
	f.stats.Pushes++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, token)
		f.mu.Unlock()
	}()

	pkt := Packet{Token: token, Type: PushData, EUI: f.cfg.EUI, Body: body}
	timer := time.NewTimer(f.cfg.PushTimeout)
	defer timer.Stop()

	for attempt := 0; attempt <= f.cfg.PushRetries; attempt++ {
		if attempt > 0 {
			metrics.PushRetry()
			log.Debug().
				Str("gateway", f.cfg.EUI.String()).
				Uint16("token", token).
				Int("attempt", attempt+1).
				Msg("retrying PUSH_DATA")
			timer.Reset(f.cfg.PushTimeout)
		}

		if err := f.send(pkt); err != nil {
			log.Warn().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("send PUSH_DATA failed")
		}

		select {
		case <-ack:
			f.pushAcked()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return ErrClosed
		}
	}

	f.pushFailed()
	return fmt.Errorf("push token %d after %d attempts: %w", token, f.cfg.PushRetries+1, lorawan.ErrTransportTimeout)
}

// Close stops the loops and closes the socket. It is safe to call more
// than once.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.closeErr = f.conn.Close()
		f.wg.Wait()
		log.Info().Str("gateway", f.cfg.EUI.String()).Msg("gateway forwarder closed")
	})
	return f.closeErr
}

func (f *Forwarder) resolve() error {
	addr, err := net.ResolveUDPAddr("udp", f.cfg.Server)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.cfg.Server, err)
	}
	f.mu.Lock()
	f.server = addr
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) register() {
	f.mu.Lock()
	f.failures = 0
	f.missedPulls = 0
	f.pullPending = false
	f.mu.Unlock()

	f.setState(Registering)
	f.sendPull()
	f.sendStat()
}

// nextTokenLocked returns a token that no outstanding request uses.
func (f *Forwarder) nextTokenLocked() uint16 {
	for {
		f.token++
		if _, busy := f.pending[f.token]; busy {
			continue
		}
		if f.pullPending && f.token == f.pullToken {
			continue
		}
		return f.token
	}
}

func (f *Forwarder) send(p Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	f.mu.Lock()
	addr := f.server
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err = f.conn.WriteToUDP(b, addr)
	return err
}

func (f *Forwarder) sendPull() {
	f.mu.Lock()
	token := f.nextTokenLocked()
	f.pullToken = token
	f.pullPending = true
	f.mu.Unlock()

	if err := f.send(Packet{Token: token, Type: PullData, EUI: f.cfg.EUI}); err != nil {
		log.Warn().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("send PULL_DATA failed")
	}
}

func (f *Forwarder) sendStat() {
	f.mu.Lock()
	token := f.nextTokenLocked()
	f.statToken = token
	delta := f.stats.sub(f.reported)
	f.reported = f.stats
	f.mu.Unlock()

	stat := Stat{
		Time: time.Now().UTC().Format(statTimeLayout),
		Lati: f.cfg.Latitude,
		Long: f.cfg.Longitude,
		Alti: f.cfg.Altitude,
		RXNb: delta.RXNb,
		RXOK: delta.RXOK,
		RXFW: delta.RXFW,
		ACKR: delta.ACKR(),
		DWNb: delta.DWNb,
		TXNb: delta.TXNb,
	}
	body, err := json.Marshal(PushDataPayload{Stat: &stat})
	if err != nil {
		log.Error().Err(err).Msg("marshal stat failed")
		return
	}
	if err := f.send(Packet{Token: token, Type: PushData, EUI: f.cfg.EUI, Body: body}); err != nil {
		log.Warn().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("send stat failed")
	}
}

func (f *Forwarder) pushAcked() {
	f.mu.Lock()
	f.failures = 0
	f.stats.Acked++
	f.mu.Unlock()
}

func (f *Forwarder) pushFailed() {
	f.mu.Lock()
	f.failures++
	down := f.state == Active && f.failures >= f.cfg.MaxFailures
	failures := f.failures
	f.mu.Unlock()

	if down {
		log.Warn().
			Str("gateway", f.cfg.EUI.String()).
			Int("failures", failures).
			Msg("too many unacknowledged pushes")
		f.setState(Disconnected)
	}
}

func (f *Forwarder) setState(to State) {
	f.mu.Lock()
	from := f.state
	if from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	switch {
	case to == Active:
		close(f.active)
	case from == Active:
		f.active = make(chan struct{})
	}
	f.mu.Unlock()

	metrics.GatewayState(int(to))
	log.Info().
		Str("gateway", f.cfg.EUI.String()).
		Stringer("from", from).
		Stringer("to", to).
		Msg("gateway state changed")
	f.emit(StateChangedEvent{From: from, To: to, Time: time.Now()})
}

func (f *Forwarder) emit(ev Event) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

func (f *Forwarder) readLoop(ctx context.Context) {
	defer f.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}

		if err := f.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("read UDP packet failed")
			continue
		}

		f.handlePacket(buf[:n], addr)
	}
}

func (f *Forwarder) tickLoop(ctx context.Context) {
	defer f.wg.Done()

	keepalive := time.NewTicker(f.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	stat := time.NewTicker(f.cfg.StatInterval)
	defer stat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-keepalive.C:
			f.keepalive()
		case <-stat.C:
			if f.State() == Active {
				f.sendStat()
			}
		}
	}
}

// keepalive sends the periodic PULL_DATA. Too many PULL_DATA without a
// PULL_ACK take the gateway down; a down gateway registers again.
func (f *Forwarder) keepalive() {
	f.mu.Lock()
	state := f.state
	if state != Disconnected && f.pullPending {
		f.missedPulls++
	}
	down := state != Disconnected && f.missedPulls >= f.cfg.MaxFailures
	f.mu.Unlock()

	switch {
	case state == Disconnected:
		if err := f.resolve(); err != nil {
			log.Warn().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("resolve server failed")
			return
		}
		f.register()
	case down:
		log.Warn().Str("gateway", f.cfg.EUI.String()).Msg("no PULL_ACK from server")
		f.setState(Disconnected)
	default:
		f.sendPull()
	}
}

func (f *Forwarder) handlePacket(data []byte, addr *net.UDPAddr) {
	var pkt Packet
	if err := pkt.UnmarshalBinary(data); err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("invalid packet")
		return
	}

	switch pkt.Type {
	case PushAck:
		f.handlePushAck(pkt.Token)
	case PullAck:
		f.handlePullAck(pkt.Token)
	case PullResp:
		f.handlePullResp(pkt)
	default:
		log.Warn().
			Stringer("type", pkt.Type).
			Str("addr", addr.String()).
			Msg("unexpected packet type")
	}
}

func (f *Forwarder) handlePushAck(token uint16) {
	f.mu.Lock()
	ch, ok := f.pending[token]
	if ok {
		delete(f.pending, token)
	}
	isStat := token == f.statToken
	promote := f.state == Registering && (ok || isStat)
	f.mu.Unlock()

	switch {
	case ok:
		ch <- struct{}{}
	case !isStat:
		log.Debug().
			Str("gateway", f.cfg.EUI.String()).
			Uint16("token", token).
			Msg("PUSH_ACK matches no outstanding request")
		return
	}

	if promote {
		f.setState(Active)
	}
}

func (f *Forwarder) handlePullAck(token uint16) {
	f.mu.Lock()
	matched := f.pullPending && token == f.pullToken
	if matched {
		f.pullPending = false
		f.missedPulls = 0
	}
	promote := matched && f.state == Registering
	f.mu.Unlock()

	if !matched {
		log.Debug().
			Str("gateway", f.cfg.EUI.String()).
			Uint16("token", token).
			Msg("PULL_ACK matches no outstanding request")
		return
	}
	if promote {
		f.setState(Active)
	}
}

func (f *Forwarder) handlePullResp(pkt Packet) {
	var resp PullRespPayload
	if err := json.Unmarshal(pkt.Body, &resp); err != nil {
		log.Error().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("parse PULL_RESP JSON failed")
		return
	}

	phy, err := resp.TXPK.PHYPayload()
	if err != nil {
		log.Error().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("invalid PULL_RESP payload")
		return
	}

	f.mu.Lock()
	f.stats.DWNb++
	f.stats.TXNb++
	f.mu.Unlock()

	body, _ := json.Marshal(TxAckPayload{TXPKAck: TXPKAck{Error: "NONE"}})
	if err := f.send(Packet{Token: pkt.Token, Type: TxAck, EUI: f.cfg.EUI, Body: body}); err != nil {
		log.Warn().Err(err).Str("gateway", f.cfg.EUI.String()).Msg("send TX_ACK failed")
	}

	log.Debug().
		Str("gateway", f.cfg.EUI.String()).
		Uint16("token", pkt.Token).
		Float64("freq", resp.TXPK.Freq).
		Int("size", len(phy)).
		Msg("received PULL_RESP")

	f.emit(DownlinkEvent{Token: pkt.Token, TXPK: resp.TXPK, PHYPayload: phy, Time: time.Now()})
}
