package stack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

var (
	testNwkSKey, _ = lorawan.ParseAES128Key("2b7e151628aed2a6abf7158809cf4f3c")
	testAppSKey, _ = lorawan.ParseAES128Key("000102030405060708090a0b0c0d0e0f")
	testDevAddr, _ = lorawan.ParseDevAddr("26011bda")
	testAppKey, _  = lorawan.ParseAES128Key("B6B53F4A168A7A88BDF7EA135CE9CFCA")
)

func newABP(t *testing.T) *device.Device {
	t.Helper()
	r, err := lorawan.LoadRegion("EU868")
	require.NoError(t, err)

	devEUI, _ := lorawan.ParseEUI64("0102030405060708")
	d, err := device.New(device.Config{
		Mode:     device.ABP,
		DevEUI:   devEUI,
		DevAddr:  testDevAddr,
		NwkSKey:  testNwkSKey,
		AppSKey:  testAppSKey,
		FPort:    1,
		DataRate: 5,
	}, r)
	require.NoError(t, err)
	return d
}

func newOTAA(t *testing.T) *device.Device {
	t.Helper()
	r, err := lorawan.LoadRegion("EU868")
	require.NoError(t, err)

	devEUI, _ := lorawan.ParseEUI64("00AFEE7CF5ED6F1E")
	joinEUI, _ := lorawan.ParseEUI64("70B3D57ED00000DC")
	d, err := device.New(device.Config{
		Mode:     device.OTAA,
		DevEUI:   devEUI,
		JoinEUI:  joinEUI,
		AppKey:   testAppKey,
		FPort:    1,
		DataRate: 5,
	}, r)
	require.NoError(t, err)
	return d
}

// downlink encodes a network-side data downlink for testDevAddr.
func downlink(t *testing.T, mtype lorawan.MType, fCnt uint32, ack bool, fOpts []lorawan.MACCommand, fPort *uint8, payload []byte) []byte {
	t.Helper()
	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: testDevAddr,
			FCtrl:   lorawan.FCtrl{ACK: ack},
			FCnt:    uint16(fCnt),
			FOpts:   lorawan.EncodeMACCommands(fOpts),
		},
		FPort:      fPort,
		FRMPayload: payload,
	}
	b, err := lorawan.EncodeDataFrame(mtype, mac, fCnt, testNwkSKey, testAppSKey)
	require.NoError(t, err)
	return b
}

func TestBuildUplink(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)

	var last uint32
	for i := 0; i < 3; i++ {
		up, err := BuildUplink(dev, 1, []byte{0x01, 0x64}, false)
		assert.NoError(err)

		_, mac, fCnt, err := lorawan.DecodeDataFrame(up.PHYPayload, testNwkSKey, testAppSKey, func(w uint16) uint32 { return uint32(w) })
		assert.NoError(err)
		assert.Equal(up.FCnt, fCnt)
		assert.Equal([]byte{0x01, 0x64}, mac.FRMPayload)
		assert.Equal(uint8(1), *mac.FPort)
		assert.Equal(testDevAddr, mac.FHDR.DevAddr)
		if i > 0 {
			assert.Equal(last+1, fCnt)
		}
		last = fCnt
	}
}

func TestBuildUplinkConfirmed(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)

	up, err := BuildUplink(dev, 2, []byte("x"), true)
	assert.NoError(err)
	assert.True(dev.AwaitingACK())

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(up.PHYPayload))
	assert.Equal(lorawan.ConfirmedDataUp, phy.MHDR.MType)

	// A downlink with ACK completes it.
	_, err = ParseDownlink(dev, downlink(t, lorawan.UnconfirmedDataDown, 0, true, nil, nil, nil))
	assert.NoError(err)
	assert.False(dev.AwaitingACK())
}

func TestBuildUplinkRejections(t *testing.T) {
	assert := require.New(t)

	_, err := BuildUplink(newOTAA(t), 1, []byte{1}, false)
	assert.ErrorIs(err, device.ErrNotJoined)

	dev := newABP(t)
	_, err = BuildUplink(dev, 0, []byte{1}, false)
	assert.ErrorIs(err, lorawan.ErrMalformedFrame)

	_, err = BuildUplink(dev, 1, make([]byte, 1000), false)
	assert.ErrorIs(err, lorawan.ErrMalformedFrame)
}

func TestMACAnswersPlacement(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)

	// Two LinkADRReq and a DevStatusReq: 2+2+3 bytes of answers fit FOpts.
	raw := downlink(t, lorawan.UnconfirmedDataDown, 0, false, []lorawan.MACCommand{
		&lorawan.LinkADRReq{DataRate: 0x0F, TXPower: 0x0F, ChMask: 0x0007},
		&lorawan.LinkADRReq{DataRate: 0x0F, TXPower: 0x0F, ChMask: 0x0007},
		&lorawan.DevStatusReq{},
	}, nil, nil)
	dl, err := ParseDownlink(dev, raw)
	assert.NoError(err)
	assert.Len(dl.MACCommands, 3)
	assert.Empty(dl.Diagnostics)

	up, err := BuildUplink(dev, 1, []byte{0xaa}, false)
	assert.NoError(err)
	_, mac, _, err := lorawan.DecodeDataFrame(up.PHYPayload, testNwkSKey, testAppSKey, func(w uint16) uint32 { return uint32(w) })
	assert.NoError(err)
	cmds, err := lorawan.DecodeMACCommands(true, mac.FHDR.FOpts)
	assert.NoError(err)
	assert.Len(cmds, 3)
	assert.Equal(0, dev.PendingMACAnswers())

	// Six DevStatusReq on port 0 produce 18 bytes of answers, which an empty
	// uplink carries on port 0.
	var reqs []byte
	for i := 0; i < 6; i++ {
		reqs = append(reqs, lorawan.EncodeMACCommand(&lorawan.DevStatusReq{})...)
	}
	port0 := uint8(0)
	dl, err = ParseDownlink(dev, downlink(t, lorawan.UnconfirmedDataDown, 1, false, nil, &port0, reqs))
	assert.NoError(err)
	assert.Len(dl.MACCommands, 6)
	assert.Equal(18, dev.PendingMACAnswers())

	up, err = BuildUplink(dev, 1, nil, false)
	assert.NoError(err)
	assert.Equal(uint8(0), *up.FPort)
	_, mac, _, err = lorawan.DecodeDataFrame(up.PHYPayload, testNwkSKey, testAppSKey, func(w uint16) uint32 { return uint32(w) })
	assert.NoError(err)
	assert.Empty(mac.FHDR.FOpts)
	cmds, err = lorawan.DecodeMACCommands(true, mac.FRMPayload)
	assert.NoError(err)
	assert.Len(cmds, 6)
}

func TestParseDownlink(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)
	port := uint8(10)

	dl, err := ParseDownlink(dev, downlink(t, lorawan.ConfirmedDataDown, 0, false, nil, &port, []byte("hello")))
	assert.NoError(err)
	assert.Equal([]byte("hello"), dl.Payload)
	assert.Equal(uint8(10), *dl.FPort)
	assert.True(dl.Confirmed)

	// The confirmed downlink is acknowledged by the next uplink.
	up, err := BuildUplink(dev, 1, []byte{1}, false)
	assert.NoError(err)
	assert.True(up.ACK)
	up, err = BuildUplink(dev, 1, []byte{1}, false)
	assert.NoError(err)
	assert.False(up.ACK)
}

func TestParseDownlinkRejections(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)
	port := uint8(1)

	good := downlink(t, lorawan.UnconfirmedDataDown, 5, false, nil, &port, []byte{1, 2, 3})
	_, err := ParseDownlink(dev, good)
	assert.NoError(err)

	// Replay of the same frame.
	_, err = ParseDownlink(dev, good)
	assert.ErrorIs(err, lorawan.ErrReplayRejected)

	// Tampered MIC.
	next := downlink(t, lorawan.UnconfirmedDataDown, 6, false, nil, &port, []byte{1, 2, 3})
	next[len(next)-1] ^= 0xff
	_, err = ParseDownlink(dev, next)
	assert.ErrorIs(err, lorawan.ErrIntegrityFailure)

	// A failed MIC does not consume the counter.
	_, err = ParseDownlink(dev, downlink(t, lorawan.UnconfirmedDataDown, 6, false, nil, &port, []byte{1, 2, 3}))
	assert.NoError(err)

	// Uplink frames are not accepted as downlinks.
	_, err = ParseDownlink(dev, downlink(t, lorawan.UnconfirmedDataUp, 7, false, nil, &port, []byte{1}))
	assert.Error(err)

	// Truncated frame.
	_, err = ParseDownlink(dev, good[:8])
	assert.ErrorIs(err, lorawan.ErrMalformedFrame)
}

func TestParseDownlinkUnknownCommand(t *testing.T) {
	assert := require.New(t)
	dev := newABP(t)

	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{DevAddr: testDevAddr, FCnt: 0, FOpts: []byte{0x7f, 0x06, 0x08, 0x01}},
	}
	raw, err := lorawan.EncodeDataFrame(lorawan.UnconfirmedDataDown, mac, 0, testNwkSKey, testAppSKey)
	assert.NoError(err)

	// The requests behind the unknown CID are still answered.
	dl, err := ParseDownlink(dev, raw)
	assert.NoError(err)
	assert.Len(dl.MACCommands, 2)
	assert.Len(dl.Diagnostics, 1)
	assert.ErrorIs(dl.Diagnostics[0], lorawan.ErrUnsupportedCommand)

	answers := dev.DrainMACAnswers(15)
	assert.Len(answers, 2)
	assert.IsType(&lorawan.DevStatusAns{}, answers[0])
	assert.IsType(&lorawan.RXTimingSetupAns{}, answers[1])
}

func TestJoinExchange(t *testing.T) {
	assert := require.New(t)
	dev := newOTAA(t)

	req, nonce, err := BuildJoinRequest(dev)
	assert.NoError(err)
	assert.Equal(device.Joining, dev.State())

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(req))
	ok, err := phy.ValidateJoinRequestMIC(testAppKey)
	assert.NoError(err)
	assert.True(ok)

	var jr lorawan.JoinRequestPayload
	assert.NoError(jr.UnmarshalBinary(phy.MACPayload))
	assert.Equal(nonce, jr.DevNonce)
	assert.Equal(dev.DevEUI(), jr.DevEUI)

	devAddr, _ := lorawan.ParseDevAddr("260b0001")
	ja := lorawan.JoinAcceptPayload{
		JoinNonce: [3]byte{0x01, 0x00, 0x00},
		NetID:     [3]byte{0x13, 0x00, 0x00},
		DevAddr:   devAddr,
		RxDelay:   1,
	}

	// A tampered accept never joins the device.
	accept, err := lorawan.BuildJoinAccept(testAppKey, ja)
	assert.NoError(err)
	bad := append([]byte(nil), accept...)
	bad[5] ^= 0x01
	_, err = HandleJoinAccept(dev, bad)
	assert.ErrorIs(err, lorawan.ErrIntegrityFailure)
	assert.Equal(device.Joining, dev.State())

	_, err = HandleJoinAccept(dev, accept)
	assert.NoError(err)
	assert.Equal(device.Joined, dev.State())
	assert.Equal(devAddr, dev.DevAddr())

	wantNwk, wantApp, err := lorawan.DeriveSessionKeys10(testAppKey, ja.JoinNonce, ja.NetID, nonce)
	assert.NoError(err)
	assert.Equal(wantNwk, dev.NwkSKey())
	assert.Equal(wantApp, dev.AppSKey())

	// After the join every uplink advances FCnt by exactly one.
	for i := uint32(0); i < 3; i++ {
		up, err := BuildUplink(dev, 1, []byte{1}, false)
		assert.NoError(err)
		assert.Equal(i, up.FCnt)
	}

	_, err = HandleJoinAccept(dev, accept)
	assert.ErrorIs(err, device.ErrNotJoining)
}
