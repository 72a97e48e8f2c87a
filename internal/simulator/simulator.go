// Package simulator schedules the simulated end devices. Every device is
// owned by one runner goroutine; downlinks reach it through its inbound
// queue only.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-simulator/internal/channel"
	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/internal/events"
	"github.com/lorawan-server/lorawan-simulator/internal/gateway"
	"github.com/lorawan-server/lorawan-simulator/internal/metrics"
	"github.com/lorawan-server/lorawan-simulator/internal/storage"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Transport is the gateway link the devices transmit through.
// *gateway.Forwarder implements it.
type Transport interface {
	EUI() lorawan.EUI64
	State() gateway.State
	Stats() gateway.Stats
	Events() <-chan gateway.Event
	WaitActive(ctx context.Context) error
	Push(ctx context.Context, rxpk []gateway.RXPK) error
}

// Channel impairs frames in both directions. *channel.Simulator
// implements it.
type Channel interface {
	Impair(f channel.Frame) channel.Outcome
}

// JoinConfig bounds the OTAA join procedure.
type JoinConfig struct {
	MaxAttempts   int
	AcceptTimeout time.Duration
	Backoff       time.Duration
	RetryAfter    time.Duration
}

// Config of the orchestrator.
type Config struct {
	Join JoinConfig
	// Jitter is the maximum deviation from a device interval.
	Jitter          time.Duration
	QueueSize       int
	ShutdownTimeout time.Duration
	Seed            uint64
}

func (c *Config) setDefaults(region *lorawan.Region) {
	if c.Join.MaxAttempts <= 0 {
		c.Join.MaxAttempts = 5
	}
	if c.Join.AcceptTimeout <= 0 {
		c.Join.AcceptTimeout = region.JoinAcceptDelay2 + time.Second
	}
	if c.Join.Backoff <= 0 {
		c.Join.Backoff = time.Second
	}
	if c.Join.RetryAfter <= 0 {
		c.Join.RetryAfter = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
}

// Simulator runs the device arena against one gateway transport.
type Simulator struct {
	cfg       Config
	region    *lorawan.Region
	transport Transport
	channel   Channel
	store     storage.SessionStore
	publisher events.Publisher

	runners []*runner

	mu      sync.RWMutex
	byAddr  map[lorawan.DevAddr][]int
	joining []int

	wg sync.WaitGroup
}

// Options are the collaborators of a Simulator. Store and Publisher are
// optional.
type Options struct {
	Transport Transport
	Channel   Channel
	Store     storage.SessionStore
	Publisher events.Publisher
}

// New builds the arena. The devices must not be used by the caller
// afterwards.
func New(cfg Config, region *lorawan.Region, devices []*device.Device, opts Options) (*Simulator, error) {
	if region == nil {
		return nil, errors.New("region is required")
	}
	if opts.Transport == nil || opts.Channel == nil {
		return nil, errors.New("transport and channel are required")
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	cfg.setDefaults(region)

	s := &Simulator{
		cfg:       cfg,
		region:    region,
		transport: opts.Transport,
		channel:   opts.Channel,
		store:     opts.Store,
		publisher: opts.Publisher,
		byAddr:    make(map[lorawan.DevAddr][]int),
	}

	seen := make(map[lorawan.EUI64]bool)
	for i, dev := range devices {
		if seen[dev.DevEUI()] {
			return nil, fmt.Errorf("duplicate DevEUI %s", dev.DevEUI())
		}
		seen[dev.DevEUI()] = true
		s.runners = append(s.runners, newRunner(s, i, dev))
	}
	return s, nil
}

// Run restores persisted sessions, starts one runner per device and
// dispatches transport events until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.restore(ctx)

	log.Info().
		Int("devices", len(s.runners)).
		Str("gateway", s.transport.EUI().String()).
		Msg("simulation started")

	s.wg.Add(len(s.runners))
	for _, r := range s.runners {
		go r.run(ctx)
	}

	s.dispatch(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("simulation stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("runners did not stop within %s", s.cfg.ShutdownTimeout)
	}
}

// Sessions returns a snapshot of every device.
func (s *Simulator) Sessions() []device.Session {
	out := make([]device.Session, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.dev.Snapshot())
	}
	return out
}

// Session returns the snapshot of one device.
func (s *Simulator) Session(devEUI lorawan.EUI64) (device.Session, bool) {
	for _, r := range s.runners {
		if r.dev.DevEUI() == devEUI {
			return r.dev.Snapshot(), true
		}
	}
	return device.Session{}, false
}

// GatewayStatus is what the API reports about the transport.
type GatewayStatus struct {
	EUI   lorawan.EUI64 `json:"eui"`
	State string        `json:"state"`
	RXNb  uint32        `json:"rxnb"`
	RXOK  uint32        `json:"rxok"`
	RXFW  uint32        `json:"rxfw"`
	ACKR  float64       `json:"ackr"`
	DWNb  uint32        `json:"dwnb"`
	TXNb  uint32        `json:"txnb"`
}

// Gateway returns the transport status.
func (s *Simulator) Gateway() GatewayStatus {
	st := s.transport.Stats()
	return GatewayStatus{
		EUI:   s.transport.EUI(),
		State: s.transport.State().String(),
		RXNb:  st.RXNb,
		RXOK:  st.RXOK,
		RXFW:  st.RXFW,
		ACKR:  st.ACKR(),
		DWNb:  st.DWNb,
		TXNb:  st.TXNb,
	}
}

func (s *Simulator) restore(ctx context.Context) {
	for _, r := range s.runners {
		sess, err := s.store.GetSession(ctx, r.dev.DevEUI())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.dev.SeedDevNonce(uint16(r.rnd.Uint32()))
		case err != nil:
			log.Warn().Err(err).Str("dev_eui", r.dev.DevEUI().String()).Msg("load session failed")
		default:
			if err := r.dev.Restore(*sess); err != nil {
				log.Warn().Err(err).Str("dev_eui", r.dev.DevEUI().String()).Msg("restore session failed")
			} else {
				log.Info().
					Str("dev_eui", r.dev.DevEUI().String()).
					Str("state", r.dev.State().String()).
					Uint32("fcnt_up", sess.FCntUp).
					Msg("session restored")
			}
		}

		if r.dev.State() == device.Joined {
			s.index(r, r.dev.DevAddr())
		}
	}
}

// index moves r to addr in the DevAddr routing table.
func (s *Simulator) index(r *runner, addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unindexLocked(r)
	r.addr = addr
	r.indexed = true
	s.byAddr[addr] = append(s.byAddr[addr], r.id)
}

// unindex removes r from the DevAddr routing table.
func (s *Simulator) unindex(r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindexLocked(r)
}

func (s *Simulator) unindexLocked(r *runner) {
	if !r.indexed {
		return
	}
	ids := s.byAddr[r.addr]
	for i, id := range ids {
		if id == r.id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byAddr, r.addr)
	} else {
		s.byAddr[r.addr] = ids
	}
	r.indexed = false
}

func (s *Simulator) startJoining(r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joining = append(s.joining, r.id)
}

func (s *Simulator) stopJoining(r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.joining {
		if id == r.id {
			s.joining = append(s.joining[:i], s.joining[i+1:]...)
			return
		}
	}
}

// gate blocks while the gateway is down.
func (s *Simulator) gate(ctx context.Context) error {
	return s.transport.WaitActive(ctx)
}

func (s *Simulator) persist(ctx context.Context, dev *device.Device) {
	snap := dev.Snapshot()
	if err := s.store.SaveSession(ctx, &snap); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("dev_eui", snap.DevEUI.String()).Msg("save session failed")
	}
}

// dispatch reads transport events until ctx is cancelled. It never blocks
// on a runner: the transport may be waiting on this loop to emit.
func (s *Simulator) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.transport.Events():
			switch e := ev.(type) {
			case gateway.DownlinkEvent:
				s.handleDownlink(e)
			case gateway.StateChangedEvent:
				s.handleStateChanged(e)
			}
		}
	}
}

func (s *Simulator) handleStateChanged(e gateway.StateChangedEvent) {
	switch {
	case e.To == gateway.Active:
		s.publisher.Publish(events.ForGateway(events.GatewayUp, s.transport.EUI()))
	case e.From == gateway.Active:
		log.Warn().Str("gateway", s.transport.EUI().String()).Msg("gateway down, scheduling paused")
		s.publisher.Publish(events.ForGateway(events.GatewayDown, s.transport.EUI()))
	}
}

func (s *Simulator) handleDownlink(e gateway.DownlinkEvent) {
	if len(e.PHYPayload) == 0 {
		return
	}

	frame := channel.Frame{
		Direction: channel.Downlink,
		Frequency: uint32(e.TXPK.Freq*1e6 + 0.5),
		TXPower:   float64(e.TXPK.Powe),
	}
	if dr, err := parseDataRate(s.region, e.TXPK.DatR); err == nil {
		frame.DataRate = dr
	}

	out := s.channel.Impair(frame)
	for o := &out; o != nil; o = o.Duplicate {
		s.deliver(*o, e.PHYPayload)
	}
}

func (s *Simulator) deliver(out channel.Outcome, phy []byte) {
	switch out.Kind {
	case channel.Dropped:
		metrics.ChannelDropped(channel.Downlink.String())
		log.Debug().Msg("downlink dropped by channel")
	case channel.Delayed:
		time.AfterFunc(out.Delay, func() { s.route(phy, out.Quality) })
	default:
		s.route(phy, out.Quality)
	}
}

// route hands a downlink to the runners it may be addressed to.
func (s *Simulator) route(phy []byte, q channel.Quality) {
	mhdr := lorawan.ParseMHDR(phy[0])
	in := inbound{phy: phy, quality: q}

	switch mhdr.MType {
	case lorawan.JoinAccept:
		in.joinAccept = true
		s.routeJoinAccept(in)

	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		addr, err := peekDevAddr(phy)
		if err != nil {
			metrics.DecodeFailure(lorawan.Classify(err))
			log.Debug().Err(err).Msg("invalid downlink")
			return
		}

		s.mu.RLock()
		ids := append([]int(nil), s.byAddr[addr]...)
		s.mu.RUnlock()

		if len(ids) == 0 {
			log.Debug().Str("dev_addr", addr.String()).Msg("downlink for unknown DevAddr")
			return
		}
		for _, id := range ids {
			s.runners[id].offer(in)
		}

	default:
		metrics.DecodeFailure(lorawan.Classify(lorawan.ErrMalformedFrame))
		log.Debug().Stringer("mtype", mhdr.MType).Msg("unexpected downlink message type")
	}
}

// routeJoinAccept gives a join-accept to the first joining runner, in the
// order they started joining, whose AppKey opens it.
func (s *Simulator) routeJoinAccept(in inbound) {
	s.mu.RLock()
	ids := append([]int(nil), s.joining...)
	s.mu.RUnlock()

	for _, id := range ids {
		r := s.runners[id]
		if _, err := lorawan.OpenJoinAccept(r.dev.AppKey(), in.phy); err == nil {
			r.offer(in)
			return
		}
	}

	metrics.DecodeFailure(lorawan.Classify(lorawan.ErrIntegrityFailure))
	log.Debug().Int("joining", len(ids)).Msg("join-accept matches no joining device")
}

// peekDevAddr reads the DevAddr of a data frame before its session is
// known.
func peekDevAddr(phy []byte) (lorawan.DevAddr, error) {
	if len(phy) < 12 {
		return lorawan.DevAddr{}, fmt.Errorf("%w: data frame of %d bytes", lorawan.ErrMalformedFrame, len(phy))
	}
	return lorawan.DevAddr{phy[4], phy[3], phy[2], phy[1]}, nil
}

func parseDataRate(region *lorawan.Region, datr gateway.DatR) (int, error) {
	if datr.LoRa == "" {
		return region.FSKDataRateIndex(int(datr.FSK))
	}
	var sf, bw int
	if _, err := fmt.Sscanf(datr.LoRa, "SF%dBW%d", &sf, &bw); err != nil {
		return 0, fmt.Errorf("parse data rate %q: %w", datr.LoRa, err)
	}
	return region.DataRateIndex(sf, bw)
}
