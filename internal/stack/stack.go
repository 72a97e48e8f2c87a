// Package stack builds uplink frames from device state and parses the
// downlinks and join-accepts addressed to a device.
package stack

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Uplink is an encoded uplink ready for the channel and the transport.
type Uplink struct {
	PHYPayload  []byte
	FCnt        uint32
	FPort       *uint8
	Confirmed   bool
	ACK         bool
	MACCommands []lorawan.MACCommand
}

// Downlink is a verified and decrypted downlink.
type Downlink struct {
	FCnt        uint32
	FPort       *uint8
	Payload     []byte
	Confirmed   bool
	ACK         bool
	FPending    bool
	MACCommands []lorawan.MACCommand
	// Diagnostics holds the non-fatal problems found while applying MAC
	// commands, such as unsupported CIDs.
	Diagnostics []error
}

// BuildUplink encodes the next uplink of a joined device. Pending MAC answers
// go in FOpts; when there is no application payload and they do not fit,
// they are sent as FRMPayload on port 0.
func BuildUplink(dev *device.Device, fPort uint8, payload []byte, confirmed bool) (*Uplink, error) {
	if dev.State() != device.Joined {
		return nil, fmt.Errorf("build uplink: %w", device.ErrNotJoined)
	}
	if fPort == 0 && len(payload) > 0 {
		return nil, fmt.Errorf("%w: port 0 is reserved for MAC commands", lorawan.ErrMalformedFrame)
	}

	maxSize, err := dev.Region().MaxPayloadSize(dev.DataRate())
	if err != nil {
		return nil, err
	}

	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: dev.DevAddr(),
			FCtrl:   lorawan.FCtrl{ADR: dev.ADR()},
		},
	}
	up := &Uplink{Confirmed: confirmed}

	switch {
	case len(payload) > 0:
		if len(payload) > maxSize {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d for DR%d", lorawan.ErrMalformedFrame, len(payload), maxSize, dev.DataRate())
		}
		budget := lorawan.MaxFOptsLen
		if maxSize-len(payload) < budget {
			budget = maxSize - len(payload)
		}
		up.MACCommands = dev.DrainMACAnswers(budget)
		mac.FHDR.FOpts = lorawan.EncodeMACCommands(up.MACCommands)
		port := fPort
		mac.FPort = &port
		mac.FRMPayload = payload

	case dev.PendingMACAnswers() > lorawan.MaxFOptsLen:
		up.MACCommands = dev.DrainMACAnswers(maxSize)
		port := uint8(0)
		mac.FPort = &port
		mac.FRMPayload = lorawan.EncodeMACCommands(up.MACCommands)

	default:
		up.MACCommands = dev.DrainMACAnswers(lorawan.MaxFOptsLen)
		mac.FHDR.FOpts = lorawan.EncodeMACCommands(up.MACCommands)
	}

	up.ACK = dev.TakePendingACK()
	mac.FHDR.FCtrl.ACK = up.ACK

	up.FCnt = dev.NextUplinkCounter()
	mac.FHDR.FCnt = uint16(up.FCnt)
	up.FPort = mac.FPort

	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	up.PHYPayload, err = lorawan.EncodeDataFrame(mtype, mac, up.FCnt, dev.NwkSKey(), dev.AppSKey())
	if err != nil {
		return nil, fmt.Errorf("encode uplink: %w", err)
	}

	if confirmed {
		dev.ExpectACK()
	}
	return up, nil
}

// BuildJoinRequest starts a join and returns the join-request PHYPayload
// together with the DevNonce it carries.
func BuildJoinRequest(dev *device.Device) ([]byte, uint16, error) {
	nonce, err := dev.BeginJoin()
	if err != nil {
		return nil, 0, fmt.Errorf("begin join: %w", err)
	}

	body, err := lorawan.JoinRequestPayload{
		JoinEUI:  dev.JoinEUI(),
		DevEUI:   dev.DevEUI(),
		DevNonce: nonce,
	}.MarshalBinary()
	if err != nil {
		dev.AbortJoin()
		return nil, 0, err
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
		MACPayload: body,
	}
	if err := phy.SetJoinRequestMIC(dev.AppKey()); err != nil {
		dev.AbortJoin()
		return nil, 0, err
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		dev.AbortJoin()
		return nil, 0, err
	}
	return b, nonce, nil
}

// ParseDownlink verifies, decrypts and applies a data downlink. The MIC is
// checked before any field is acted on, then the frame counter. Every error
// wraps one of the classified lorawan errors and the frame must be dropped.
func ParseDownlink(dev *device.Device, data []byte) (*Downlink, error) {
	if dev.State() != device.Joined {
		return nil, fmt.Errorf("%w: device %s is not joined", lorawan.ErrMalformedFrame, dev.DevEUI())
	}

	phy, mac, fCnt, err := lorawan.DecodeDataFrame(data, dev.NwkSKey(), dev.AppSKey(), dev.ExpandDownlinkCounter)
	if err != nil {
		return nil, err
	}

	mtype := phy.MHDR.MType
	if mtype != lorawan.UnconfirmedDataDown && mtype != lorawan.ConfirmedDataDown {
		return nil, fmt.Errorf("%w: unexpected %s on downlink", lorawan.ErrMalformedFrame, mtype)
	}
	if mac.FHDR.DevAddr != dev.DevAddr() {
		return nil, fmt.Errorf("%w: DevAddr %s is not %s", lorawan.ErrMalformedFrame, mac.FHDR.DevAddr, dev.DevAddr())
	}

	if _, err := dev.AcceptDownlinkCounter(mac.FHDR.FCnt); err != nil {
		return nil, err
	}

	dl := &Downlink{
		FCnt:      fCnt,
		FPort:     mac.FPort,
		Confirmed: mtype == lorawan.ConfirmedDataDown,
		ACK:       mac.FHDR.FCtrl.ACK,
		FPending:  mac.FHDR.FCtrl.FPending,
	}

	macBytes := mac.FHDR.FOpts
	if mac.FPort != nil && *mac.FPort == 0 {
		macBytes = mac.FRMPayload
	} else if mac.FPort != nil {
		dl.Payload = mac.FRMPayload
	}

	cmds, err := lorawan.DecodeMACCommands(false, macBytes)
	switch {
	case errors.Is(err, lorawan.ErrUnsupportedCommand):
		dl.Diagnostics = append(dl.Diagnostics, err)
	case err != nil:
		return nil, fmt.Errorf("decode MAC commands: %w", err)
	}

	for _, cmd := range cmds {
		if err := dev.ApplyMACCommand(cmd); err != nil {
			dl.Diagnostics = append(dl.Diagnostics, err)
			continue
		}
		dl.MACCommands = append(dl.MACCommands, cmd)
	}

	if dl.Confirmed {
		dev.SetPendingACK()
	}
	if dl.ACK {
		dev.ReceiveACK()
	}

	return dl, nil
}

// HandleJoinAccept opens a join-accept with the device AppKey and completes
// the join. A join-accept that fails verification leaves the device joining.
func HandleJoinAccept(dev *device.Device, data []byte) (lorawan.JoinAcceptPayload, error) {
	if dev.State() != device.Joining {
		return lorawan.JoinAcceptPayload{}, fmt.Errorf("handle join-accept: %w", device.ErrNotJoining)
	}

	ja, err := lorawan.OpenJoinAccept(dev.AppKey(), data)
	if err != nil {
		return ja, err
	}

	if err := dev.CompleteJoin(ja); err != nil {
		return ja, fmt.Errorf("%w: %v", lorawan.ErrJoinRejected, err)
	}
	return ja, nil
}
