package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// ActivationMode represents device activation mode
type ActivationMode string

const (
	ABP  ActivationMode = "ABP"
	OTAA ActivationMode = "OTAA"
)

// JoinState is the activation state of a device.
type JoinState int

const (
	Unjoined JoinState = iota
	Joining
	Joined
)

func (s JoinState) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("JoinState(%d)", int(s))
}

// maxChannels is the size of the channel table a NewChannelReq can address.
const maxChannels = 16

// DefaultBattery is the level reported in DevStatusAns unless configured.
const DefaultBattery = 240

// Errors returned by the device model.
var (
	ErrNotOTAA        = errors.New("device is not OTAA")
	ErrNotJoining     = errors.New("device is not joining")
	ErrNotJoined      = errors.New("device is not joined")
	ErrNonceExhausted = errors.New("DevNonce space exhausted")
)

// Config is the static description of one simulated end device.
type Config struct {
	Name    string
	Mode    ActivationMode
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	// ABP only
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	FPort     uint8
	Confirmed bool
	ADR       bool
	DataRate  int
	TXPower   int
	NbTrans   int
	Battery   uint8
	Interval  time.Duration
	Payload   PayloadGenerator

	// Counted in uplinks; zero disables.
	RejoinAfter        int
	LinkCheckInterval  int
	DeviceTimeInterval int
}

// ChannelState is one entry of the device channel table.
type ChannelState struct {
	Frequency         uint32
	DownlinkFrequency uint32
	MinDR             int
	MaxDR             int
	Enabled           bool
}

// Device holds the per-device session state. It is owned by a single
// goroutine; other goroutines read it through Snapshot.
type Device struct {
	cfg    Config
	region *lorawan.Region

	state    JoinState
	devAddr  lorawan.DevAddr
	nwkSKey  lorawan.AES128Key
	appSKey  lorawan.AES128Key
	fCntUp   uint32
	fCntDown uint32
	// downSeen is false until the first downlink of a session is accepted,
	// so that FCntDown 0 is valid right after a join.
	downSeen bool

	devNonce     uint16
	nonceWrapped bool
	joinNonce    uint16

	dataRate     int
	txPower      int
	nbTrans      int
	channels     [maxChannels]ChannelState
	rx1DROffset  uint8
	rx2DataRate  uint8
	rx2Frequency uint32
	rx1Delay     uint8
	maxDutyCycle uint8
	maxEIRP      uint8
	dwellUp      bool
	dwellDown    bool

	battery    uint8
	lastSNR    float64
	pendingACK bool
	awaitACK   bool

	linkMargin uint8
	linkGwCnt  uint8
	gpsTime    time.Duration

	macQueue []lorawan.MACCommand

	snapshot atomic.Pointer[Session]
}

// New creates a device from its static configuration. ABP devices start
// joined, OTAA devices start unjoined.
func New(cfg Config, region *lorawan.Region) (*Device, error) {
	if region == nil {
		return nil, fmt.Errorf("device %s: region is required", cfg.DevEUI)
	}
	if cfg.NbTrans <= 0 {
		cfg.NbTrans = 1
	}
	if cfg.Battery == 0 {
		cfg.Battery = DefaultBattery
	}
	if cfg.Payload == nil {
		cfg.Payload = StaticPayload{0x01, 0x64}
	}
	if _, err := region.DataRate(cfg.DataRate); err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.DevEUI, err)
	}

	d := &Device{
		cfg:          cfg,
		region:       region,
		dataRate:     cfg.DataRate,
		txPower:      cfg.TXPower,
		nbTrans:      cfg.NbTrans,
		battery:      cfg.Battery,
		rx2DataRate:  uint8(region.RX2DataRate),
		rx2Frequency: region.RX2Frequency,
		rx1Delay:     1,
	}
	d.resetChannels()

	switch cfg.Mode {
	case ABP:
		if cfg.NwkSKey.IsZero() || cfg.AppSKey.IsZero() {
			return nil, fmt.Errorf("device %s: ABP requires non-zero session keys", cfg.DevEUI)
		}
		d.state = Joined
		d.devAddr = cfg.DevAddr
		d.nwkSKey = cfg.NwkSKey
		d.appSKey = cfg.AppSKey
	case OTAA:
		if cfg.AppKey.IsZero() {
			return nil, fmt.Errorf("device %s: OTAA requires an AppKey", cfg.DevEUI)
		}
		d.state = Unjoined
	default:
		return nil, fmt.Errorf("device %s: unknown activation mode %q", cfg.DevEUI, cfg.Mode)
	}

	d.publish()
	return d, nil
}

func (d *Device) resetChannels() {
	d.channels = [maxChannels]ChannelState{}
	for i, c := range d.region.Channels {
		if i >= maxChannels {
			break
		}
		d.channels[i] = ChannelState{Frequency: c.Frequency, MinDR: c.MinDR, MaxDR: c.MaxDR, Enabled: true}
	}
}

func (d *Device) Name() string                     { return d.cfg.Name }
func (d *Device) Mode() ActivationMode             { return d.cfg.Mode }
func (d *Device) DevEUI() lorawan.EUI64            { return d.cfg.DevEUI }
func (d *Device) JoinEUI() lorawan.EUI64           { return d.cfg.JoinEUI }
func (d *Device) AppKey() lorawan.AES128Key        { return d.cfg.AppKey }
func (d *Device) DevAddr() lorawan.DevAddr         { return d.devAddr }
func (d *Device) NwkSKey() lorawan.AES128Key       { return d.nwkSKey }
func (d *Device) AppSKey() lorawan.AES128Key       { return d.appSKey }
func (d *Device) State() JoinState                 { return d.state }
func (d *Device) FPort() uint8                     { return d.cfg.FPort }
func (d *Device) Confirmed() bool                  { return d.cfg.Confirmed }
func (d *Device) ADR() bool                        { return d.cfg.ADR }
func (d *Device) Interval() time.Duration          { return d.cfg.Interval }
func (d *Device) DataRate() int                    { return d.dataRate }
func (d *Device) TXPower() int                     { return d.txPower }
func (d *Device) NbTrans() int                     { return d.nbTrans }
func (d *Device) Region() *lorawan.Region          { return d.region }
func (d *Device) MaxDutyCycle() uint8              { return d.maxDutyCycle }
func (d *Device) RX2Frequency() uint32             { return d.rx2Frequency }
func (d *Device) RX2DataRate() uint8               { return d.rx2DataRate }
func (d *Device) RX1DROffset() uint8               { return d.rx1DROffset }
func (d *Device) Channel(i int) ChannelState       { return d.channels[i] }
func (d *Device) LinkCheck() (margin, gwCnt uint8) { return d.linkMargin, d.linkGwCnt }
func (d *Device) GPSTime() time.Duration           { return d.gpsTime }

// RX1Delay returns the delay between the end of an uplink and RX1.
func (d *Device) RX1Delay() time.Duration {
	return time.Duration(d.rx1Delay) * time.Second
}

// NextUplinkCounter returns the FCntUp to use for the next uplink and
// increments it. It is the only path that advances FCntUp.
func (d *Device) NextUplinkCounter() uint32 {
	fCnt := d.fCntUp
	d.fCntUp++
	d.publish()
	return fCnt
}

// ExpandDownlinkCounter maps the 16-bit wire FCnt of a downlink to the full
// 32-bit counter relative to the last accepted one.
func (d *Device) ExpandDownlinkCounter(wire uint16) uint32 {
	return lorawan.GetFullFCnt(d.fCntDown, wire)
}

// AcceptDownlinkCounter checks a downlink counter against the last
// accepted one and records it. Equal or lower values are replays.
func (d *Device) AcceptDownlinkCounter(wire uint16) (uint32, error) {
	fCnt := d.ExpandDownlinkCounter(wire)
	if d.downSeen && fCnt <= d.fCntDown {
		return fCnt, fmt.Errorf("%w: FCntDown %d, last accepted %d", lorawan.ErrReplayRejected, fCnt, d.fCntDown)
	}
	d.fCntDown = fCnt
	d.downSeen = true
	d.publish()
	return fCnt, nil
}

// BeginJoin moves an OTAA device to joining and returns the DevNonce for the
// join-request. Nonces are never reused by one device. A previous session is
// discarded, so a joining device holds no keys.
func (d *Device) BeginJoin() (uint16, error) {
	if d.cfg.Mode != OTAA {
		return 0, ErrNotOTAA
	}
	if d.nonceWrapped {
		return 0, ErrNonceExhausted
	}

	nonce := d.devNonce
	d.devNonce++
	if d.devNonce == 0 {
		d.nonceWrapped = true
	}

	d.joinNonce = nonce
	d.state = Joining
	d.devAddr = lorawan.DevAddr{}
	d.nwkSKey = lorawan.AES128Key{}
	d.appSKey = lorawan.AES128Key{}
	d.publish()
	return nonce, nil
}

// SeedDevNonce sets the first DevNonce of an OTAA device that has no
// persisted session. Only the lower half of the nonce space is used as a
// start. It has no effect once a nonce was handed out.
func (d *Device) SeedDevNonce(n uint16) {
	if d.cfg.Mode != OTAA || d.devNonce != 0 || d.nonceWrapped {
		return
	}
	d.devNonce = n & 0x7fff
	d.publish()
}

// RejoinDue reports whether a joined OTAA device has sent RejoinAfter
// uplinks in its session.
func (d *Device) RejoinDue() bool {
	return d.cfg.Mode == OTAA && d.state == Joined &&
		d.cfg.RejoinAfter > 0 && d.fCntUp >= uint32(d.cfg.RejoinAfter)
}

// CompleteJoin derives the session from a verified join-accept and moves the
// device to joined. Counters, MAC queue and radio settings are reset.
func (d *Device) CompleteJoin(ja lorawan.JoinAcceptPayload) error {
	if d.state != Joining {
		return ErrNotJoining
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(d.cfg.AppKey, ja.JoinNonce, ja.NetID, d.joinNonce)
	if err != nil {
		return fmt.Errorf("derive session keys: %w", err)
	}

	d.devAddr = ja.DevAddr
	d.nwkSKey = nwkSKey
	d.appSKey = appSKey
	d.fCntUp = 0
	d.fCntDown = 0
	d.downSeen = false
	d.macQueue = nil
	d.pendingACK = false
	d.awaitACK = false

	d.dataRate = d.cfg.DataRate
	d.txPower = d.cfg.TXPower
	d.nbTrans = d.cfg.NbTrans
	d.resetChannels()
	d.rx1DROffset = ja.DLSettings.RX1DROffset
	d.rx2DataRate = ja.DLSettings.RX2DataRate
	d.rx1Delay = ja.RxDelay
	if d.rx1Delay == 0 {
		d.rx1Delay = 1
	}
	if ja.CFList != nil {
		def := d.region.Channels[0]
		for i, freq := range ja.CFList {
			idx := len(d.region.Channels) + i
			if freq == 0 || idx >= maxChannels {
				continue
			}
			d.channels[idx] = ChannelState{Frequency: freq, MinDR: def.MinDR, MaxDR: def.MaxDR, Enabled: true}
		}
	}

	d.state = Joined
	d.publish()
	return nil
}

// AbortJoin returns a joining device to unjoined.
func (d *Device) AbortJoin() {
	if d.state == Joining {
		d.state = Unjoined
		d.publish()
	}
}

// SetPendingACK records that a confirmed downlink must be acknowledged by
// the next uplink.
func (d *Device) SetPendingACK() {
	d.pendingACK = true
}

// TakePendingACK returns and clears the pending ACK flag.
func (d *Device) TakePendingACK() bool {
	ack := d.pendingACK
	d.pendingACK = false
	return ack
}

// ExpectACK marks a confirmed uplink as outstanding.
func (d *Device) ExpectACK() {
	d.awaitACK = true
}

// AwaitingACK reports whether a confirmed uplink is still unacknowledged.
func (d *Device) AwaitingACK() bool {
	return d.awaitACK
}

// ReceiveACK completes the outstanding confirmed uplink. It reports whether
// one was outstanding.
func (d *Device) ReceiveACK() bool {
	was := d.awaitACK
	d.awaitACK = false
	return was
}

// ObserveDownlink records the SNR of the last received downlink.
func (d *Device) ObserveDownlink(snr float64) {
	d.lastSNR = snr
}

// NextPayload returns the application payload for the next uplink.
func (d *Device) NextPayload(rnd *rand.Rand) []byte {
	return d.cfg.Payload.Next(d.fCntUp, rnd)
}

// UplinkChannel picks a random enabled channel that supports the current
// data rate.
func (d *Device) UplinkChannel(rnd *rand.Rand) (ChannelState, error) {
	var candidates []ChannelState
	for _, c := range d.channels {
		if c.Enabled && c.Frequency != 0 && d.dataRate >= c.MinDR && d.dataRate <= c.MaxDR {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return ChannelState{}, fmt.Errorf("no enabled channel for DR%d", d.dataRate)
	}
	return candidates[rnd.Intn(len(candidates))], nil
}
