package device

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

func testRegion(t *testing.T) *lorawan.Region {
	t.Helper()
	r, err := lorawan.LoadRegion("EU868")
	require.NoError(t, err)
	return r
}

func abpConfig() Config {
	devEUI, _ := lorawan.ParseEUI64("0102030405060708")
	devAddr, _ := lorawan.ParseDevAddr("26011bda")
	nwk, _ := lorawan.ParseAES128Key("2b7e151628aed2a6abf7158809cf4f3c")
	app, _ := lorawan.ParseAES128Key("000102030405060708090a0b0c0d0e0f")
	return Config{
		Name:     "abp-1",
		Mode:     ABP,
		DevEUI:   devEUI,
		DevAddr:  devAddr,
		NwkSKey:  nwk,
		AppSKey:  app,
		FPort:    1,
		DataRate: 5,
	}
}

func otaaConfig() Config {
	devEUI, _ := lorawan.ParseEUI64("00AFEE7CF5ED6F1E")
	joinEUI, _ := lorawan.ParseEUI64("70B3D57ED00000DC")
	appKey, _ := lorawan.ParseAES128Key("B6B53F4A168A7A88BDF7EA135CE9CFCA")
	return Config{
		Name:     "otaa-1",
		Mode:     OTAA,
		DevEUI:   devEUI,
		JoinEUI:  joinEUI,
		AppKey:   appKey,
		FPort:    1,
		DataRate: 5,
	}
}

func TestNewDevice(t *testing.T) {
	assert := require.New(t)
	r := testRegion(t)

	d, err := New(abpConfig(), r)
	assert.NoError(err)
	assert.Equal(Joined, d.State())
	assert.Equal(1, d.NbTrans())
	assert.Equal("joined", d.Snapshot().State)

	o, err := New(otaaConfig(), r)
	assert.NoError(err)
	assert.Equal(Unjoined, o.State())
	assert.True(o.NwkSKey().IsZero())
	assert.True(o.AppSKey().IsZero())

	bad := abpConfig()
	bad.NwkSKey = lorawan.AES128Key{}
	_, err = New(bad, r)
	assert.Error(err)

	noKey := otaaConfig()
	noKey.AppKey = lorawan.AES128Key{}
	_, err = New(noKey, r)
	assert.Error(err)

	badDR := abpConfig()
	badDR.DataRate = 42
	_, err = New(badDR, r)
	assert.Error(err)
}

func TestNextUplinkCounter(t *testing.T) {
	assert := require.New(t)
	d, err := New(abpConfig(), testRegion(t))
	assert.NoError(err)

	for i := uint32(0); i < 5; i++ {
		assert.Equal(i, d.NextUplinkCounter())
	}
	assert.Equal(uint32(5), d.Snapshot().FCntUp)
}

func TestAcceptDownlinkCounter(t *testing.T) {
	assert := require.New(t)
	d, err := New(abpConfig(), testRegion(t))
	assert.NoError(err)

	// The first downlink of a session may carry 0.
	fCnt, err := d.AcceptDownlinkCounter(0)
	assert.NoError(err)
	assert.Equal(uint32(0), fCnt)

	_, err = d.AcceptDownlinkCounter(0)
	assert.ErrorIs(err, lorawan.ErrReplayRejected)

	_, err = d.AcceptDownlinkCounter(10)
	assert.NoError(err)

	for _, k := range []uint16{10, 9, 1, 0} {
		_, err = d.AcceptDownlinkCounter(k)
		assert.ErrorIs(err, lorawan.ErrReplayRejected, "k=%d", k)
	}

	fCnt, err = d.AcceptDownlinkCounter(11)
	assert.NoError(err)
	assert.Equal(uint32(11), fCnt)
	assert.Equal(uint32(11), d.Snapshot().FCntDown)
}

func TestJoinLifecycle(t *testing.T) {
	assert := require.New(t)
	d, err := New(otaaConfig(), testRegion(t))
	assert.NoError(err)

	assert.ErrorIs(d.CompleteJoin(lorawan.JoinAcceptPayload{}), ErrNotJoining)

	n1, err := d.BeginJoin()
	assert.NoError(err)
	assert.Equal(Joining, d.State())
	d.AbortJoin()
	assert.Equal(Unjoined, d.State())

	n2, err := d.BeginJoin()
	assert.NoError(err)
	assert.NotEqual(n1, n2)

	devAddr, _ := lorawan.ParseDevAddr("260b1234")
	cf := lorawan.CFList{867100000, 867300000, 0, 0, 0}
	ja := lorawan.JoinAcceptPayload{
		JoinNonce:  [3]byte{1, 2, 3},
		NetID:      [3]byte{0x13, 0, 0},
		DevAddr:    devAddr,
		DLSettings: lorawan.DLSettings{RX1DROffset: 2, RX2DataRate: 3},
		RxDelay:    0,
		CFList:     &cf,
	}
	d.NextUplinkCounter()
	assert.NoError(d.CompleteJoin(ja))

	assert.Equal(Joined, d.State())
	assert.Equal(devAddr, d.DevAddr())
	assert.False(d.NwkSKey().IsZero())
	assert.False(d.AppSKey().IsZero())
	assert.NotEqual(d.NwkSKey(), d.AppSKey())
	assert.Equal(uint8(2), d.RX1DROffset())
	assert.Equal(uint8(3), d.RX2DataRate())
	assert.Equal(1, int(d.RX1Delay().Seconds()))
	assert.Equal(uint32(867100000), d.Channel(3).Frequency)
	assert.Equal(uint32(867300000), d.Channel(4).Frequency)
	assert.Equal(uint32(0), d.Channel(5).Frequency)
	assert.Equal(uint32(0), d.NextUplinkCounter())

	// A rejoin resets counters and replaces keys.
	oldKey := d.NwkSKey()
	d.NextUplinkCounter()
	_, err = d.BeginJoin()
	assert.NoError(err)
	ja.JoinNonce = [3]byte{4, 5, 6}
	assert.NoError(d.CompleteJoin(ja))
	assert.NotEqual(oldKey, d.NwkSKey())
	assert.Equal(uint32(0), d.NextUplinkCounter())
}

func TestRejoinDropsSession(t *testing.T) {
	assert := require.New(t)
	cfg := otaaConfig()
	cfg.RejoinAfter = 2
	d, err := New(cfg, testRegion(t))
	assert.NoError(err)
	assert.False(d.RejoinDue())

	_, err = d.BeginJoin()
	assert.NoError(err)
	devAddr, _ := lorawan.ParseDevAddr("260b1234")
	assert.NoError(d.CompleteJoin(lorawan.JoinAcceptPayload{JoinNonce: [3]byte{1}, DevAddr: devAddr}))
	assert.False(d.RejoinDue())

	d.NextUplinkCounter()
	assert.False(d.RejoinDue())
	d.NextUplinkCounter()
	assert.True(d.RejoinDue())

	_, err = d.BeginJoin()
	assert.NoError(err)
	assert.Equal(Joining, d.State())
	assert.True(d.NwkSKey().IsZero())
	assert.True(d.AppSKey().IsZero())
	assert.Equal(lorawan.DevAddr{}, d.DevAddr())
	assert.False(d.RejoinDue())

	d.AbortJoin()
	s := d.Snapshot()
	assert.Equal("unjoined", s.State)
	assert.True(s.NwkSKey.IsZero())
	assert.True(s.AppSKey.IsZero())

	abp := abpConfig()
	abp.RejoinAfter = 1
	a, err := New(abp, testRegion(t))
	assert.NoError(err)
	a.NextUplinkCounter()
	assert.False(a.RejoinDue())
}

func TestSeedDevNonce(t *testing.T) {
	assert := require.New(t)
	r := testRegion(t)

	d, err := New(otaaConfig(), r)
	assert.NoError(err)
	d.SeedDevNonce(0xfff0)
	n, err := d.BeginJoin()
	assert.NoError(err)
	assert.Equal(uint16(0x7ff0), n)

	// Once a nonce is out, seeding is ignored.
	d.SeedDevNonce(5)
	n, err = d.BeginJoin()
	assert.NoError(err)
	assert.Equal(uint16(0x7ff1), n)

	a, err := New(abpConfig(), r)
	assert.NoError(err)
	a.SeedDevNonce(5)
	assert.Equal(uint16(0), a.Snapshot().DevNonce)
}

func TestBeginJoinRequiresOTAA(t *testing.T) {
	d, err := New(abpConfig(), testRegion(t))
	require.NoError(t, err)
	_, err = d.BeginJoin()
	require.ErrorIs(t, err, ErrNotOTAA)
}

func TestRestore(t *testing.T) {
	assert := require.New(t)
	r := testRegion(t)

	d, err := New(abpConfig(), r)
	assert.NoError(err)
	for i := 0; i < 41; i++ {
		d.NextUplinkCounter()
	}
	saved := d.Snapshot()

	fresh, err := New(abpConfig(), r)
	assert.NoError(err)
	assert.NoError(fresh.Restore(saved))
	assert.Equal(uint32(41), fresh.NextUplinkCounter())

	other := abpConfig()
	other.DevEUI[0] = 0xff
	od, err := New(other, r)
	assert.NoError(err)
	assert.Error(od.Restore(saved))

	// OTAA devices keep their DevNonce even when not joined.
	o, err := New(otaaConfig(), r)
	assert.NoError(err)
	_, _ = o.BeginJoin()
	_, _ = o.BeginJoin()
	oSaved := o.Snapshot()

	o2, err := New(otaaConfig(), r)
	assert.NoError(err)
	assert.NoError(o2.Restore(oSaved))
	n, err := o2.BeginJoin()
	assert.NoError(err)
	assert.Equal(uint16(2), n)
}

func TestRestoreKeepsReplayProtection(t *testing.T) {
	assert := require.New(t)
	r := testRegion(t)

	d, err := New(abpConfig(), r)
	assert.NoError(err)
	_, err = d.AcceptDownlinkCounter(0)
	assert.NoError(err)
	saved := d.Snapshot()
	assert.True(saved.DownlinkSeen)

	restarted, err := New(abpConfig(), r)
	assert.NoError(err)
	assert.NoError(restarted.Restore(saved))

	_, err = restarted.AcceptDownlinkCounter(0)
	assert.ErrorIs(err, lorawan.ErrReplayRejected)
	fCnt, err := restarted.AcceptDownlinkCounter(1)
	assert.NoError(err)
	assert.Equal(uint32(1), fCnt)

	// A session that never saw a downlink still accepts FCntDown 0.
	fresh, err := New(abpConfig(), r)
	assert.NoError(err)
	other, err := New(abpConfig(), r)
	assert.NoError(err)
	assert.NoError(other.Restore(fresh.Snapshot()))
	_, err = other.AcceptDownlinkCounter(0)
	assert.NoError(err)
}

func TestUplinkChannel(t *testing.T) {
	assert := require.New(t)
	d, err := New(abpConfig(), testRegion(t))
	assert.NoError(err)

	rnd := rand.New(rand.NewSource(1))
	seen := map[uint32]bool{}
	for i := 0; i < 100; i++ {
		c, err := d.UplinkChannel(rnd)
		assert.NoError(err)
		seen[c.Frequency] = true
	}
	assert.Len(seen, 3)
}

func TestPayloadGenerators(t *testing.T) {
	assert := require.New(t)
	rnd := rand.New(rand.NewSource(7))

	g, err := NewPayloadGenerator("", "", 0)
	assert.NoError(err)
	assert.Equal([]byte{0x01, 0x64}, g.Next(0, rnd))

	g, err = NewPayloadGenerator("static", "cafe", 0)
	assert.NoError(err)
	assert.Equal([]byte{0xca, 0xfe}, g.Next(3, rnd))

	g, err = NewPayloadGenerator("counter", "", 0)
	assert.NoError(err)
	assert.Equal([]byte{0, 0, 1, 2}, g.Next(0x0102, rnd))

	g, err = NewPayloadGenerator("random", "", 12)
	assert.NoError(err)
	assert.Len(g.Next(0, rnd), 12)

	_, err = NewPayloadGenerator("random", "", 0)
	assert.Error(err)
	_, err = NewPayloadGenerator("bogus", "", 0)
	assert.Error(err)
	_, err = NewPayloadGenerator("static", "xyz", 0)
	assert.Error(err)
}
