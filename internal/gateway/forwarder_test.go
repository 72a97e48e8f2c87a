package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

var testEUI = lorawan.EUI64{0xaa, 0x55, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x01}

type received struct {
	pkt  Packet
	addr *net.UDPAddr
}

type fakeServer struct {
	conn    *net.UDPConn
	packets chan received
}

func newFakeServer(t *testing.T) *fakeServer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &fakeServer{conn: conn, packets: make(chan received, 64)}
	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var p Packet
			if p.UnmarshalBinary(buf[:n]) == nil {
				s.packets <- received{pkt: p, addr: addr}
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeServer) next(t *testing.T, typ PacketType) received {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-s.packets:
			if r.pkt.Type == typ {
				return r
			}
		case <-timeout:
			t.Fatalf("no %s received", typ)
		}
	}
}

func (s *fakeServer) reply(t *testing.T, addr *net.UDPAddr, p Packet) {
	t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	_, err = s.conn.WriteToUDP(b, addr)
	require.NoError(t, err)
}

func nextEvent(t *testing.T, f *Forwarder) Event {
	t.Helper()
	select {
	case ev := <-f.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no transport event")
	}
	return nil
}

func newForwarder(t *testing.T, s *fakeServer, mutate func(*Config)) *Forwarder {
	cfg := Config{
		EUI:               testEUI,
		Server:            s.conn.LocalAddr().String(),
		KeepaliveInterval: time.Hour,
		StatInterval:      time.Hour,
		PushTimeout:       time.Second,
		PushRetries:       2,
		MaxFailures:       3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// activate starts f and acknowledges its registration PULL_DATA.
func activate(t *testing.T, ctx context.Context, s *fakeServer, f *Forwarder) *net.UDPAddr {
	t.Helper()
	assert := require.New(t)

	assert.NoError(f.Start(ctx))
	pull := s.next(t, PullData)
	assert.Equal(testEUI, pull.pkt.EUI)
	s.reply(t, pull.addr, Packet{Token: pull.pkt.Token, Type: PullAck})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.NoError(f.WaitActive(waitCtx))
	return pull.addr
}

func TestPacketEncoding(t *testing.T) {
	assert := require.New(t)

	b, err := Packet{Token: 0x1234, Type: PushData, EUI: testEUI, Body: []byte("{}")}.MarshalBinary()
	assert.NoError(err)
	assert.Equal([]byte{0x02, 0x12, 0x34, 0x00, 0xaa, 0x55, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x01, '{', '}'}, b)

	b, err = Packet{Token: 0x1234, Type: PullAck, EUI: testEUI}.MarshalBinary()
	assert.NoError(err)
	assert.Equal([]byte{0x02, 0x12, 0x34, 0x04}, b)

	var p Packet
	assert.NoError(p.UnmarshalBinary([]byte{0x02, 0xab, 0xcd, 0x03, '{', '}'}))
	assert.Equal(PullResp, p.Type)
	assert.Equal(uint16(0xabcd), p.Token)
	assert.Equal([]byte("{}"), p.Body)

	tests := []struct {
		Name string
		Data []byte
	}{
		{"short", []byte{0x02, 0x00}},
		{"wrong version", []byte{0x01, 0x00, 0x00, 0x01}},
		{"unknown type", []byte{0x02, 0x00, 0x00, 0x09}},
		{"missing EUI", []byte{0x02, 0x00, 0x00, 0x02, 0xaa}},
	}
	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			var p Packet
			require.New(t).Error(p.UnmarshalBinary(tst.Data))
		})
	}
}

func TestNewRXPK(t *testing.T) {
	assert := require.New(t)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rx := NewRXPK([]byte{0x40, 0x01}, 868100000, 0, lorawan.DataRate{SpreadFactor: 7, Bandwidth: 125}, -42.4, 5.5, at)
	assert.Equal(868.1, rx.Freq)
	assert.Equal(DatR{LoRa: "SF7BW125"}, rx.DatR)
	assert.Equal("LORA", rx.Modu)
	assert.Equal(-42, rx.RSSI)
	assert.Equal(2, rx.Size)
	assert.Equal(base64.StdEncoding.EncodeToString([]byte{0x40, 0x01}), rx.Data)
	assert.Equal("2024-01-02T03:04:05Z", rx.Time)
}

func TestDatRJSON(t *testing.T) {
	tests := []struct {
		Name string
		DatR DatR
		JSON string
	}{
		{Name: "LoRa", DatR: DatR{LoRa: "SF7BW125"}, JSON: `"SF7BW125"`},
		{Name: "FSK", DatR: DatR{FSK: 50000}, JSON: `50000`},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			b, err := json.Marshal(tst.DatR)
			assert.NoError(err)
			assert.Equal(tst.JSON, string(b))

			var d DatR
			assert.NoError(json.Unmarshal(b, &d))
			assert.Equal(tst.DatR, d)
		})
	}
}

func TestFSKPullResp(t *testing.T) {
	assert := require.New(t)

	var p PullRespPayload
	assert.NoError(json.Unmarshal([]byte(`{"txpk":{"imme":true,"freq":868.8,"rfch":0,"powe":14,"modu":"FSK","datr":50000,"fdev":25000,"size":2,"data":"QAE="}}`), &p))
	assert.Equal(DatR{FSK: 50000}, p.TXPK.DatR)
	assert.Equal("50000", p.TXPK.DatR.String())

	var bad DatR
	assert.Error(json.Unmarshal([]byte(`true`), &bad))

	rx := NewRXPK([]byte{0x40}, 868800000, 7, lorawan.DataRate{BitRate: 50000}, -60, 7, time.Now())
	assert.Equal("FSK", rx.Modu)
	b, err := json.Marshal(rx)
	assert.NoError(err)
	assert.Contains(string(b), `"datr":50000`)
}

func TestRegistration(t *testing.T) {
	assert := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newFakeServer(t)
	f := newForwarder(t, s, nil)
	assert.Equal(Disconnected, f.State())

	assert.NoError(f.Start(ctx))
	ev := nextEvent(t, f).(StateChangedEvent)
	assert.Equal(Registering, ev.To)

	stat := s.next(t, PushData)
	var body PushDataPayload
	assert.NoError(json.Unmarshal(stat.pkt.Body, &body))
	assert.NotNil(body.Stat)

	// The stat PUSH_ACK is enough to become active.
	s.reply(t, stat.addr, Packet{Token: stat.pkt.Token, Type: PushAck})
	ev = nextEvent(t, f).(StateChangedEvent)
	assert.Equal(Registering, ev.From)
	assert.Equal(Active, ev.To)
	assert.Equal(Active, f.State())
}

func TestPushNotActive(t *testing.T) {
	s := newFakeServer(t)
	f := newForwarder(t, s, nil)

	err := f.Push(context.Background(), []RXPK{{Data: "AA=="}})
	require.ErrorIs(t, err, ErrNotActive)
}

func TestPushTokenMatching(t *testing.T) {
	assert := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newFakeServer(t)
	f := newForwarder(t, s, nil)
	activate(t, ctx, s, f)

	result := make(chan error, 1)
	go func() {
		result <- f.Push(ctx, []RXPK{{Freq: 868.1, DatR: DatR{LoRa: "SF7BW125"}, Data: "QAE="}})
	}()

	var push received
	for {
		push = s.next(t, PushData)
		var body PushDataPayload
		assert.NoError(json.Unmarshal(push.pkt.Body, &body))
		if len(body.RXPK) > 0 {
			assert.Equal("QAE=", body.RXPK[0].Data)
			break
		}
	}

	s.reply(t, push.addr, Packet{Token: push.pkt.Token + 100, Type: PushAck})
	select {
	case err := <-result:
		t.Fatalf("push completed on a foreign token: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	s.reply(t, push.addr, Packet{Token: push.pkt.Token, Type: PushAck})
	select {
	case err := <-result:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not complete")
	}

	stats := f.Stats()
	assert.Equal(uint32(1), stats.RXNb)
	assert.Equal(uint32(1), stats.Acked)
	assert.Equal(100.0, stats.ACKR())
}

func TestPushRetryThenDisconnect(t *testing.T) {
	assert := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newFakeServer(t)
	f := newForwarder(t, s, func(c *Config) {
		c.PushTimeout = 50 * time.Millisecond
		c.PushRetries = 2
		c.MaxFailures = 1
	})
	activate(t, ctx, s, f)

	// Drain the registration events.
	assert.Equal(Registering, nextEvent(t, f).(StateChangedEvent).To)
	assert.Equal(Active, nextEvent(t, f).(StateChangedEvent).To)

	err := f.Push(ctx, []RXPK{{Data: "QAE="}})
	assert.True(errors.Is(err, lorawan.ErrTransportTimeout))

	var tokens []uint16
	for len(tokens) < 3 {
		r := s.next(t, PushData)
		var body PushDataPayload
		assert.NoError(json.Unmarshal(r.pkt.Body, &body))
		if len(body.RXPK) > 0 {
			tokens = append(tokens, r.pkt.Token)
		}
	}
	assert.Equal(tokens[0], tokens[1])
	assert.Equal(tokens[0], tokens[2])

	ev := nextEvent(t, f).(StateChangedEvent)
	assert.Equal(Active, ev.From)
	assert.Equal(Disconnected, ev.To)

	assert.ErrorIs(f.Push(ctx, []RXPK{{Data: "QAE="}}), ErrNotActive)
}

func TestPullRespProducesDownlinkAndTxAck(t *testing.T) {
	assert := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newFakeServer(t)
	f := newForwarder(t, s, nil)
	addr := activate(t, ctx, s, f)
	nextEvent(t, f)
	nextEvent(t, f)

	phy := []byte{0x60, 0xda, 0x1b, 0x01, 0x26}
	body, err := json.Marshal(PullRespPayload{TXPK: TXPK{
		Imme: true,
		Freq: 869.525,
		Modu: "LORA",
		DatR: DatR{LoRa: "SF12BW125"},
		IPol: true,
		Size: len(phy),
		Data: base64.StdEncoding.EncodeToString(phy),
	}})
	assert.NoError(err)
	s.reply(t, addr, Packet{Token: 0x4242, Type: PullResp, Body: body})

	dl, ok := nextEvent(t, f).(DownlinkEvent)
	assert.True(ok)
	assert.Equal(phy, dl.PHYPayload)
	assert.Equal(869.525, dl.TXPK.Freq)

	ack := s.next(t, TxAck)
	assert.Equal(uint16(0x4242), ack.pkt.Token)
	assert.Equal(testEUI, ack.pkt.EUI)
	var txAck TxAckPayload
	assert.NoError(json.Unmarshal(ack.pkt.Body, &txAck))
	assert.Equal("NONE", txAck.TXPKAck.Error)
	assert.Equal(uint32(1), f.Stats().DWNb)
}

func TestCloseIsIdempotent(t *testing.T) {
	assert := require.New(t)
	s := newFakeServer(t)
	f := newForwarder(t, s, nil)
	assert.NoError(f.Start(context.Background()))

	assert.NoError(f.Close())
	assert.NoError(f.Close())
	assert.ErrorIs(f.WaitActive(context.Background()), ErrClosed)
}
