package simulator

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-simulator/internal/channel"
	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/internal/events"
	"github.com/lorawan-server/lorawan-simulator/internal/gateway"
	"github.com/lorawan-server/lorawan-simulator/internal/nstest"
	"github.com/lorawan-server/lorawan-simulator/internal/storage"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

var (
	testDevEUI  = lorawan.EUI64{0x00, 0x04, 0xa3, 0x0b, 0x00, 0x1c, 0x05, 0x30}
	testDevAddr = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
	testNwkSKey = lorawan.AES128Key{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
	testAppSKey = lorawan.AES128Key{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	testAppKey  = lorawan.AES128Key{0x0f, 0x0e, 0x0d, 0x0c, 0x0b, 0x0a, 0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x00}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type harness struct {
	ctx    context.Context
	srv    *nstest.Server
	fwd    *gateway.Forwarder
	region *lorawan.Region
	rec    *recorder
	store  *storage.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	assert := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	srv, err := nstest.New("127.0.0.1:0")
	assert.NoError(err)
	srv.Start(ctx)
	t.Cleanup(srv.Close)

	fwd, err := gateway.New(gateway.Config{
		EUI:               lorawan.EUI64{0xaa, 0x55, 0x5a, 0, 0, 0, 0, 1},
		Server:            srv.Addr(),
		KeepaliveInterval: time.Hour,
		StatInterval:      time.Hour,
		PushTimeout:       200 * time.Millisecond,
	})
	assert.NoError(err)
	t.Cleanup(func() { fwd.Close() })
	assert.NoError(fwd.Start(ctx))

	region, err := lorawan.LoadRegion("EU868")
	assert.NoError(err)

	return &harness{
		ctx:    ctx,
		srv:    srv,
		fwd:    fwd,
		region: region,
		rec:    &recorder{},
		store:  storage.NewMemoryStore(),
	}
}

// run starts the simulator and stops it when the test ends.
func (h *harness) run(t *testing.T, cfg Config, ch Channel, devs ...*device.Device) *Simulator {
	t.Helper()
	assert := require.New(t)

	if ch == nil {
		c, err := channel.New(channel.DefaultConfig())
		assert.NoError(err)
		ch = c
	}

	sim, err := New(cfg, h.region, devs, Options{
		Transport: h.fwd,
		Channel:   ch,
		Store:     h.store,
		Publisher: h.rec,
	})
	assert.NoError(err)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("simulator did not stop")
		}
	})
	return sim
}

func (h *harness) abpDevice(t *testing.T, mutate func(*device.Config)) *device.Device {
	t.Helper()
	cfg := device.Config{
		Name:     "abp",
		Mode:     device.ABP,
		DevEUI:   testDevEUI,
		DevAddr:  testDevAddr,
		NwkSKey:  testNwkSKey,
		AppSKey:  testAppSKey,
		FPort:    1,
		DataRate: 5,
		Interval: 300 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dev, err := device.New(cfg, h.region)
	require.NoError(t, err)
	h.srv.AddSession(cfg.DevEUI, cfg.DevAddr, cfg.NwkSKey, cfg.AppSKey)
	return dev
}

func (h *harness) otaaDevice(t *testing.T, mutate func(*device.Config)) *device.Device {
	t.Helper()
	cfg := device.Config{
		Name:     "otaa",
		Mode:     device.OTAA,
		DevEUI:   testDevEUI,
		AppKey:   testAppKey,
		FPort:    1,
		DataRate: 5,
		Interval: 300 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dev, err := device.New(cfg, h.region)
	require.NoError(t, err)
	return dev
}

func TestABPUplinks(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)
	h.run(t, Config{}, nil, h.abpDevice(t, nil))

	for want := uint32(0); want < 3; want++ {
		f, err := h.srv.NextFrame(h.ctx)
		assert.NoError(err)
		assert.Equal(lorawan.UnconfirmedDataUp, f.MType)
		assert.Equal(testDevAddr, f.DevAddr)
		assert.Equal(want, f.FCnt)
		assert.Equal([]byte{0x01, 0x64}, f.Payload)
		assert.Equal("SF7BW125", f.RXPK.DatR.String())
	}

	assert.Eventually(func() bool { return h.rec.count(events.Uplink) >= 3 }, time.Second, 10*time.Millisecond)

	s, err := h.store.GetSession(h.ctx, testDevEUI)
	assert.NoError(err)
	assert.GreaterOrEqual(s.FCntUp, uint32(3))
}

func TestOTAAJoinThenUplink(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)
	h.srv.AddDevice(nstest.Device{DevEUI: testDevEUI, AppKey: testAppKey})

	dev := h.otaaDevice(t, nil)
	sim := h.run(t, Config{}, nil, dev)

	f, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.JoinRequest, f.MType)
	assert.Less(f.DevNonce, uint16(0x8000))
	devAddr := f.DevAddr

	f, err = h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.UnconfirmedDataUp, f.MType)
	assert.Equal(devAddr, f.DevAddr)
	assert.Equal(uint32(0), f.FCnt)

	f, err = h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(uint32(1), f.FCnt)

	s, ok := sim.Session(testDevEUI)
	assert.True(ok)
	assert.True(s.Joined())
	assert.Equal(devAddr, s.DevAddr)

	keys, ok := h.srv.Session(devAddr)
	assert.True(ok)
	assert.Equal(keys.NwkSKey, s.NwkSKey)
	assert.Equal(keys.AppSKey, s.AppSKey)
	assert.Equal(1, h.rec.count(events.Join))
}

func TestJoinAttemptsAreBounded(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	// The server does not know the device and never answers.
	h.run(t, Config{Join: JoinConfig{
		MaxAttempts:   2,
		AcceptTimeout: 100 * time.Millisecond,
		Backoff:       10 * time.Millisecond,
		RetryAfter:    time.Hour,
	}}, nil, h.otaaDevice(t, nil))

	assert.Eventually(func() bool { return h.rec.count(events.JoinFailed) == 1 }, 5*time.Second, 20*time.Millisecond)

	e, _ := h.rec.last(events.JoinFailed)
	assert.Contains(e.Error, lorawan.ErrJoinRejected.Error())

	time.Sleep(300 * time.Millisecond)
	rxpk := h.srv.RXPK()
	assert.Len(rxpk, 2)
	assert.Equal(1, h.rec.count(events.JoinFailed))

	first := joinRequestNonce(t, rxpk[0])
	assert.Equal(first+1, joinRequestNonce(t, rxpk[1]))

	s, err := h.store.GetSession(h.ctx, testDevEUI)
	assert.NoError(err)
	assert.Equal(first+2, s.DevNonce)
}

// joinRequestNonce extracts the DevNonce of a reported join-request.
func joinRequestNonce(t *testing.T, rx gateway.RXPK) uint16 {
	t.Helper()
	phy, err := base64.StdEncoding.DecodeString(rx.Data)
	require.NoError(t, err)
	require.Len(t, phy, 23)
	return binary.LittleEndian.Uint16(phy[17:19])
}

func TestOTAARejoinAfterUplinks(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)
	h.srv.AddDevice(nstest.Device{DevEUI: testDevEUI, AppKey: testAppKey})

	dev := h.otaaDevice(t, func(c *device.Config) { c.RejoinAfter = 2 })
	sim := h.run(t, Config{}, nil, dev)

	join, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.JoinRequest, join.MType)

	for want := uint32(0); want < 2; want++ {
		f, err := h.srv.NextFrame(h.ctx)
		assert.NoError(err)
		assert.Equal(join.DevAddr, f.DevAddr)
		assert.Equal(want, f.FCnt)
	}

	rejoin, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.JoinRequest, rejoin.MType)
	assert.Equal(join.DevNonce+1, rejoin.DevNonce)
	assert.NotEqual(join.DevAddr, rejoin.DevAddr)

	f, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.UnconfirmedDataUp, f.MType)
	assert.Equal(rejoin.DevAddr, f.DevAddr)
	assert.Equal(uint32(0), f.FCnt)

	assert.Eventually(func() bool { return h.rec.count(events.Join) >= 2 }, time.Second, 10*time.Millisecond)
	s, ok := sim.Session(testDevEUI)
	assert.True(ok)
	assert.True(s.Joined())
	keys, ok := h.srv.Session(rejoin.DevAddr)
	assert.True(ok)
	assert.Equal(keys.NwkSKey, s.NwkSKey)
}

func TestPeriodicLinkCheck(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)
	h.run(t, Config{}, nil, h.abpDevice(t, func(c *device.Config) { c.LinkCheckInterval = 2 }))

	for want := uint32(0); want < 3; want++ {
		f, err := h.srv.NextFrame(h.ctx)
		assert.NoError(err)
		assert.Equal(want, f.FCnt)
		if want%2 == 0 {
			assert.Equal([]lorawan.MACCommand{&lorawan.LinkCheckReq{}}, f.MACCommands)
		} else {
			assert.Empty(f.MACCommands)
		}
	}
}

func TestConfirmedUplinkIsAcknowledged(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	dev := h.abpDevice(t, func(c *device.Config) {
		c.Confirmed = true
		c.Interval = time.Hour
	})
	h.run(t, Config{}, nil, dev)

	f, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(lorawan.ConfirmedDataUp, f.MType)

	assert.Eventually(func() bool { return h.rec.count(events.ACK) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(1, h.rec.count(events.Downlink))
	assert.Len(h.srv.RXPK(), 1)
}

func TestQueuedDownlinkIsRouted(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	port := uint8(10)
	h.srv.QueueDownlink(testDevAddr, nstest.Downlink{
		FPort:       &port,
		Payload:     []byte{0xca, 0xfe},
		MACCommands: []lorawan.MACCommand{&lorawan.DevStatusReq{}},
	})
	h.run(t, Config{}, nil, h.abpDevice(t, nil))

	assert.Eventually(func() bool { return h.rec.count(events.Downlink) == 1 }, 3*time.Second, 10*time.Millisecond)
	e, _ := h.rec.last(events.Downlink)
	assert.Equal([]byte{0xca, 0xfe}, e.Data)
	assert.Equal(port, *e.FPort)

	// The DevStatusAns rides on the next uplink.
	for {
		f, err := h.srv.NextFrame(h.ctx)
		assert.NoError(err)
		if f.FCnt == 0 {
			continue
		}
		assert.Len(f.MACCommands, 1)
		assert.IsType(&lorawan.DevStatusAns{}, f.MACCommands[0])
		break
	}
}

func TestRestoredSessionContinuesCounters(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	dev := h.abpDevice(t, nil)
	snap := dev.Snapshot()
	snap.FCntUp = 41
	assert.NoError(h.store.SaveSession(h.ctx, &snap))

	h.run(t, Config{}, nil, dev)

	f, err := h.srv.NextFrame(h.ctx)
	assert.NoError(err)
	assert.Equal(uint32(41), f.FCnt)
}

func TestLossyChannelDropsEverything(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	cfg := channel.DefaultConfig()
	cfg.LossProbability = 1
	ch, err := channel.New(cfg)
	assert.NoError(err)

	h.run(t, Config{}, ch, h.abpDevice(t, func(c *device.Config) { c.Interval = 50 * time.Millisecond }))

	time.Sleep(500 * time.Millisecond)
	assert.Empty(h.srv.RXPK())
	assert.Zero(h.rec.count(events.Uplink))
}

func TestGatewayDownPausesScheduling(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	h.srv.SetDropAcks(true)
	h.run(t, Config{}, nil, h.abpDevice(t, nil))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(h.srv.RXPK())
	assert.NotEqual(gateway.Active, h.fwd.State())
}

func TestDuplicateDevEUIRejected(t *testing.T) {
	assert := require.New(t)
	h := newHarness(t)

	a := h.abpDevice(t, nil)
	b := h.abpDevice(t, nil)
	ch, err := channel.New(channel.DefaultConfig())
	assert.NoError(err)

	_, err = New(Config{}, h.region, []*device.Device{a, b}, Options{Transport: h.fwd, Channel: ch})
	assert.Error(err)
}

func TestParseDataRate(t *testing.T) {
	region, err := lorawan.LoadRegion("EU868")
	require.NoError(t, err)

	tests := []struct {
		Name  string
		DatR  gateway.DatR
		DR    int
		Error bool
	}{
		{Name: "SF12", DatR: gateway.DatR{LoRa: "SF12BW125"}, DR: 0},
		{Name: "SF7", DatR: gateway.DatR{LoRa: "SF7BW125"}, DR: 5},
		{Name: "SF7 250kHz", DatR: gateway.DatR{LoRa: "SF7BW250"}, DR: 6},
		{Name: "FSK", DatR: gateway.DatR{FSK: 50000}, DR: 7},
		{Name: "unknown FSK rate", DatR: gateway.DatR{FSK: 9600}, Error: true},
		{Name: "garbage", DatR: gateway.DatR{LoRa: "fast"}, Error: true},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			dr, err := parseDataRate(region, tst.DatR)
			if tst.Error {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.DR, dr)
		})
	}
}
