package device

import (
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Session is an immutable copy of the device state. It is what the API
// shows, what storage persists and what events carry.
type Session struct {
	Name         string            `json:"name"`
	Mode         ActivationMode    `json:"mode"`
	State        string            `json:"state"`
	DevEUI       lorawan.EUI64     `json:"devEUI"`
	JoinEUI      lorawan.EUI64     `json:"joinEUI"`
	DevAddr      lorawan.DevAddr   `json:"devAddr"`
	NwkSKey      lorawan.AES128Key `json:"-"`
	AppSKey      lorawan.AES128Key `json:"-"`
	FCntUp       uint32            `json:"fCntUp"`
	FCntDown     uint32            `json:"fCntDown"`
	DownlinkSeen bool              `json:"downlinkSeen"`
	DevNonce     uint16            `json:"devNonce"`
	DataRate     int               `json:"dr"`
	TXPower      int               `json:"txPower"`
	NbTrans      int               `json:"nbTrans"`
	RX1Delay     uint8             `json:"rx1Delay"`
	RX1DROffset  uint8             `json:"rx1DROffset"`
	RX2DataRate  uint8             `json:"rx2DR"`
	RX2Frequency uint32            `json:"rx2Freq"`
	Battery      uint8             `json:"battery"`
	LastSNR      float64           `json:"lastSNR"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Joined reports whether the session holds usable keys.
func (s Session) Joined() bool {
	return s.State == Joined.String()
}

func (d *Device) publish() {
	s := &Session{
		Name:         d.cfg.Name,
		Mode:         d.cfg.Mode,
		State:        d.state.String(),
		DevEUI:       d.cfg.DevEUI,
		JoinEUI:      d.cfg.JoinEUI,
		DevAddr:      d.devAddr,
		NwkSKey:      d.nwkSKey,
		AppSKey:      d.appSKey,
		FCntUp:       d.fCntUp,
		FCntDown:     d.fCntDown,
		DownlinkSeen: d.downSeen,
		DevNonce:     d.devNonce,
		DataRate:     d.dataRate,
		TXPower:      d.txPower,
		NbTrans:      d.nbTrans,
		RX1Delay:     d.rx1Delay,
		RX1DROffset:  d.rx1DROffset,
		RX2DataRate:  d.rx2DataRate,
		RX2Frequency: d.rx2Frequency,
		Battery:      d.battery,
		LastSNR:      d.lastSNR,
		UpdatedAt:    time.Now().UTC(),
	}
	d.snapshot.Store(s)
}

// Snapshot returns the last published copy of the device state. It is safe
// to call from any goroutine.
func (d *Device) Snapshot() Session {
	return *d.snapshot.Load()
}

// Restore seeds the device from a persisted session. A joined session
// restores keys and counters; for OTAA devices the DevNonce always carries
// over so nonces are not reused across restarts.
func (d *Device) Restore(s Session) error {
	if s.DevEUI != d.cfg.DevEUI {
		return fmt.Errorf("restore: session is for %s, device is %s", s.DevEUI, d.cfg.DevEUI)
	}

	if d.cfg.Mode == OTAA && s.DevNonce > d.devNonce {
		d.devNonce = s.DevNonce
	}

	if s.Joined() && !s.NwkSKey.IsZero() && !s.AppSKey.IsZero() {
		if d.cfg.Mode == ABP && (s.DevAddr != d.cfg.DevAddr || s.NwkSKey != d.cfg.NwkSKey || s.AppSKey != d.cfg.AppSKey) {
			// The static session changed; start over.
			d.publish()
			return nil
		}
		d.state = Joined
		d.devAddr = s.DevAddr
		d.nwkSKey = s.NwkSKey
		d.appSKey = s.AppSKey
		d.fCntUp = s.FCntUp
		d.fCntDown = s.FCntDown
		d.downSeen = s.DownlinkSeen || s.FCntDown > 0
		if _, err := d.region.DataRate(s.DataRate); err == nil {
			d.dataRate = s.DataRate
		}
		if s.RX1Delay > 0 {
			d.rx1Delay = s.RX1Delay
		}
	}

	d.publish()
	return nil
}
