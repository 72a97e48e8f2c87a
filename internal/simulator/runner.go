package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"github.com/lorawan-server/lorawan-simulator/internal/channel"
	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/internal/events"
	"github.com/lorawan-server/lorawan-simulator/internal/gateway"
	"github.com/lorawan-server/lorawan-simulator/internal/metrics"
	"github.com/lorawan-server/lorawan-simulator/internal/stack"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// maxEIRP is the TX power in dBm of TX power index 0.
const maxEIRP = 14

// Added to the RX1 delay while waiting for an ACK.
const (
	retransmitWait = time.Second
	finalACKWait   = 1100 * time.Millisecond
)

type inbound struct {
	phy        []byte
	joinAccept bool
	quality    channel.Quality
}

type runner struct {
	s   *Simulator
	id  int
	dev *device.Device
	rnd *rand.Rand
	in  chan inbound

	// guarded by s.mu
	addr    lorawan.DevAddr
	indexed bool
}

func newRunner(s *Simulator, id int, dev *device.Device) *runner {
	return &runner{
		s:   s,
		id:  id,
		dev: dev,
		rnd: rand.New(rand.NewSource(s.cfg.Seed + uint64(id))),
		in:  make(chan inbound, s.cfg.QueueSize),
	}
}

// offer queues a downlink without blocking.
func (r *runner) offer(in inbound) {
	select {
	case r.in <- in:
	default:
		log.Warn().Str("dev_eui", r.dev.DevEUI().String()).Msg("inbound queue full, downlink dropped")
	}
}

func (r *runner) run(ctx context.Context) {
	defer r.s.wg.Done()

	if r.dev.State() != device.Joined {
		if err := r.join(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("dev_eui", r.dev.DevEUI().String()).Msg("device stopped")
			}
			return
		}
	}

	timer := time.NewTimer(r.startDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-r.in:
			r.handle(ctx, in)
		case <-timer.C:
			if err := r.s.gate(ctx); err != nil {
				return
			}
			if r.dev.RejoinDue() {
				if err := r.rejoin(ctx); err != nil {
					return
				}
			}
			r.uplink(ctx)
			timer.Reset(r.nextInterval())
		}
	}
}

// startDelay spreads the first uplinks of the fleet over one jitter.
func (r *runner) startDelay() time.Duration {
	if r.s.cfg.Jitter <= 0 {
		return 0
	}
	return time.Duration(r.rnd.Int63n(int64(r.s.cfg.Jitter)))
}

func (r *runner) nextInterval() time.Duration {
	d := r.dev.Interval()
	if j := r.s.cfg.Jitter; j > 0 {
		d += time.Duration(r.rnd.Int63n(2*int64(j))) - j
	}
	if d <= 0 {
		d = r.dev.Interval()
	}
	return d
}

// rejoin drops the current session and joins again.
func (r *runner) rejoin(ctx context.Context) error {
	log.Info().
		Str("dev_eui", r.dev.DevEUI().String()).
		Str("dev_addr", r.dev.DevAddr().String()).
		Uint32("fcnt_up", r.dev.Snapshot().FCntUp).
		Msg("session expired, rejoining")
	r.s.unindex(r)
	return r.join(ctx)
}

// join runs bounded rounds of join attempts until the device is joined or
// ctx is cancelled.
func (r *runner) join(ctx context.Context) error {
	cfg := r.s.cfg.Join
	for {
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			if err := r.s.gate(ctx); err != nil {
				return err
			}

			ok, err := r.joinOnce(ctx, attempt)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}

			if err := sleep(ctx, time.Duration(attempt)*cfg.Backoff); err != nil {
				return err
			}
		}

		err := fmt.Errorf("no join-accept after %d attempts: %w", cfg.MaxAttempts, lorawan.ErrJoinRejected)
		metrics.Join("rejected")
		log.Warn().
			Err(err).
			Str("dev_eui", r.dev.DevEUI().String()).
			Dur("retry_after", cfg.RetryAfter).
			Msg("join failed")
		e := events.ForDevice(events.JoinFailed, r.dev.DevEUI(), r.dev.DevAddr())
		e.Error = err.Error()
		r.s.publisher.Publish(e)

		if err := sleep(ctx, cfg.RetryAfter); err != nil {
			return err
		}
	}
}

func (r *runner) joinOnce(ctx context.Context, attempt int) (bool, error) {
	phy, nonce, err := stack.BuildJoinRequest(r.dev)
	if err != nil {
		return false, err
	}
	// The DevNonce must survive a restart even if this attempt fails.
	r.s.persist(ctx, r.dev)

	log.Info().
		Str("dev_eui", r.dev.DevEUI().String()).
		Uint16("dev_nonce", nonce).
		Int("attempt", attempt).
		Msg("sending join-request")

	r.s.startJoining(r)
	defer r.s.stopJoining(r)

	if err := r.transmit(ctx, phy); err != nil {
		r.logTransmitError(err)
	}

	if !r.awaitJoinAccept(ctx) {
		r.dev.AbortJoin()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		metrics.Join("timeout")
		log.Debug().Str("dev_eui", r.dev.DevEUI().String()).Int("attempt", attempt).Msg("no join-accept")
		return false, nil
	}

	metrics.Join("accepted")
	r.s.index(r, r.dev.DevAddr())
	r.s.persist(ctx, r.dev)

	log.Info().
		Str("dev_eui", r.dev.DevEUI().String()).
		Str("dev_addr", r.dev.DevAddr().String()).
		Msg("device joined")
	r.s.publisher.Publish(events.ForDevice(events.Join, r.dev.DevEUI(), r.dev.DevAddr()))
	return true, nil
}

func (r *runner) awaitJoinAccept(ctx context.Context) bool {
	timer := time.NewTimer(r.s.cfg.Join.AcceptTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case in := <-r.in:
			if !in.joinAccept {
				continue
			}
			if _, err := stack.HandleJoinAccept(r.dev, in.phy); err != nil {
				metrics.DecodeFailure(lorawan.Classify(err))
				log.Warn().Err(err).Str("dev_eui", r.dev.DevEUI().String()).Msg("join-accept rejected")
				continue
			}
			r.dev.ObserveDownlink(in.quality.SNR)
			return true
		}
	}
}

// uplink sends the next data frame. A confirmed frame is repeated up to
// NbTrans times until it is acknowledged.
func (r *runner) uplink(ctx context.Context) {
	r.dev.QueuePeriodicRequests()
	confirmed := r.dev.Confirmed()
	up, err := stack.BuildUplink(r.dev, r.dev.FPort(), r.dev.NextPayload(r.rnd), confirmed)
	if err != nil {
		log.Error().Err(err).Str("dev_eui", r.dev.DevEUI().String()).Msg("build uplink failed")
		return
	}
	r.s.persist(ctx, r.dev)

	devEUI := r.dev.DevEUI().String()
	log.Info().
		Str("dev_eui", devEUI).
		Str("dev_addr", r.dev.DevAddr().String()).
		Uint32("fcnt", up.FCnt).
		Bool("confirmed", confirmed).
		Bool("ack", up.ACK).
		Int("mac_commands", len(up.MACCommands)).
		Msg("sending uplink")

	attempts := 1
	if confirmed {
		attempts = r.dev.NbTrans()
	}

	acked := false
	for i := 0; i < attempts && !acked; i++ {
		if i > 0 {
			if err := r.s.gate(ctx); err != nil {
				return
			}
		}

		if err := r.transmit(ctx, up.PHYPayload); err != nil {
			r.logTransmitError(err)
		} else {
			metrics.UplinkSent(devEUI)
			e := events.ForDevice(events.Uplink, r.dev.DevEUI(), r.dev.DevAddr())
			e.FCnt = up.FCnt
			e.FPort = up.FPort
			e.Data = up.PHYPayload
			r.s.publisher.Publish(e)
		}

		if !confirmed {
			return
		}

		wait := r.dev.RX1Delay() + retransmitWait
		if i == attempts-1 {
			wait = r.dev.RX1Delay() + finalACKWait
		}
		acked = r.awaitACK(ctx, wait)
	}

	if ctx.Err() != nil {
		return
	}
	if acked {
		log.Info().Str("dev_eui", devEUI).Uint32("fcnt", up.FCnt).Msg("confirmed uplink acknowledged")
		e := events.ForDevice(events.ACK, r.dev.DevEUI(), r.dev.DevAddr())
		e.FCnt = up.FCnt
		r.s.publisher.Publish(e)
		return
	}
	log.Warn().
		Str("dev_eui", devEUI).
		Uint32("fcnt", up.FCnt).
		Int("attempts", attempts).
		Msg("confirmed uplink not acknowledged")
}

// awaitACK handles downlinks until the outstanding confirmed uplink is
// acknowledged or d elapses.
func (r *runner) awaitACK(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case in := <-r.in:
			r.handle(ctx, in)
			if !r.dev.AwaitingACK() {
				return true
			}
		}
	}
}

// handle applies one data downlink to the device.
func (r *runner) handle(ctx context.Context, in inbound) {
	if in.joinAccept {
		log.Debug().Str("dev_eui", r.dev.DevEUI().String()).Msg("join-accept while not joining")
		return
	}

	devEUI := r.dev.DevEUI().String()
	dl, err := stack.ParseDownlink(r.dev, in.phy)
	if err != nil {
		class := lorawan.Classify(err)
		metrics.DecodeFailure(class)
		log.Debug().Err(err).Str("dev_eui", devEUI).Str("class", class).Msg("downlink dropped")
		if errors.Is(err, lorawan.ErrReplayRejected) {
			e := events.ForDevice(events.Error, r.dev.DevEUI(), r.dev.DevAddr())
			e.Error = err.Error()
			r.s.publisher.Publish(e)
		}
		return
	}

	r.dev.ObserveDownlink(in.quality.SNR)
	metrics.DownlinkReceived(devEUI)
	for _, diag := range dl.Diagnostics {
		metrics.DecodeFailure(lorawan.Classify(diag))
		log.Debug().Err(diag).Str("dev_eui", devEUI).Msg("MAC command not applied")
	}

	log.Info().
		Str("dev_eui", devEUI).
		Uint32("fcnt", dl.FCnt).
		Bool("confirmed", dl.Confirmed).
		Bool("ack", dl.ACK).
		Int("mac_commands", len(dl.MACCommands)).
		Int("size", len(dl.Payload)).
		Msg("downlink received")

	e := events.ForDevice(events.Downlink, r.dev.DevEUI(), r.dev.DevAddr())
	e.FCnt = dl.FCnt
	e.FPort = dl.FPort
	e.Data = dl.Payload
	e.RSSI = in.quality.RSSI
	e.SNR = in.quality.SNR
	r.s.publisher.Publish(e)

	r.s.persist(ctx, r.dev)
}

// transmit sends phy through the channel and the gateway.
func (r *runner) transmit(ctx context.Context, phy []byte) error {
	ch, err := r.dev.UplinkChannel(r.rnd)
	if err != nil {
		return err
	}
	dr, err := r.s.region.DataRate(r.dev.DataRate())
	if err != nil {
		return err
	}

	out := r.s.channel.Impair(channel.Frame{
		Direction: channel.Uplink,
		DataRate:  r.dev.DataRate(),
		Frequency: ch.Frequency,
		TXPower:   float64(maxEIRP - 2*r.dev.TXPower()),
	})
	if out.Kind == channel.Dropped {
		metrics.ChannelDropped(channel.Uplink.String())
		return lorawan.ErrChannelDropped
	}
	if out.Kind == channel.Delayed {
		if err := sleep(ctx, out.Delay); err != nil {
			return err
		}
	}

	chanIndex := r.channelIndex(ch.Frequency)
	now := time.Now()
	rxpk := []gateway.RXPK{gateway.NewRXPK(phy, ch.Frequency, chanIndex, dr, out.Quality.RSSI, out.Quality.SNR, now)}
	if dup := out.Duplicate; dup != nil && dup.Kind != channel.Dropped {
		rxpk = append(rxpk, gateway.NewRXPK(phy, ch.Frequency, chanIndex, dr, dup.Quality.RSSI, dup.Quality.SNR, now))
	}

	return r.s.transport.Push(ctx, rxpk)
}

func (r *runner) channelIndex(freq uint32) int {
	for i := 0; i < 16; i++ {
		if r.dev.Channel(i).Frequency == freq {
			return i
		}
	}
	return 0
}

func (r *runner) logTransmitError(err error) {
	devEUI := r.dev.DevEUI().String()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, gateway.ErrClosed):
	case errors.Is(err, lorawan.ErrChannelDropped):
		log.Debug().Str("dev_eui", devEUI).Msg("uplink dropped by channel")
	case errors.Is(err, gateway.ErrNotActive):
		log.Debug().Err(err).Str("dev_eui", devEUI).Msg("gateway went down before push")
	default:
		log.Warn().Err(err).Str("dev_eui", devEUI).Msg("uplink not delivered")
		e := events.ForDevice(events.Error, r.dev.DevEUI(), r.dev.DevAddr())
		e.Error = err.Error()
		r.s.publisher.Publish(e)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
