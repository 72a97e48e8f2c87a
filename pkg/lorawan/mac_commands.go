package lorawan

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// CID is a MAC command identifier. Requests and answers of the same
// procedure share a CID; the direction tells them apart.
type CID byte

// MAC command identifiers
const (
	CIDLinkCheck     CID = 0x02
	CIDLinkADR       CID = 0x03
	CIDDutyCycle     CID = 0x04
	CIDRXParamSetup  CID = 0x05
	CIDDevStatus     CID = 0x06
	CIDNewChannel    CID = 0x07
	CIDRXTimingSetup CID = 0x08
	CIDTxParamSetup  CID = 0x09
	CIDDlChannel     CID = 0x0A
	CIDDeviceTime    CID = 0x0D
)

// MACCommand is one of the catalog commands below. The set is closed: only
// types in this package implement it.
type MACCommand interface {
	CID() CID
	// Uplink reports whether the command travels device to network.
	Uplink() bool
	payload() []byte
	unmarshal(b []byte)
}

// LinkCheckReq asks the network for link margin. Uplink, no payload.
type LinkCheckReq struct{}

// LinkCheckAns carries the demodulation margin and gateway count.
type LinkCheckAns struct {
	Margin uint8
	GwCnt  uint8
}

// LinkADRReq sets data rate, TX power, channel mask and repetitions.
type LinkADRReq struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     uint16
	ChMaskCntl uint8
	NbRep      uint8
}

// LinkADRAns acknowledges each field of a LinkADRReq.
type LinkADRAns struct {
	PowerACK       bool
	DataRateACK    bool
	ChannelMaskACK bool
}

// DutyCycleReq limits the aggregated duty cycle to 1/2^MaxDCycle.
type DutyCycleReq struct {
	MaxDCycle uint8
}

// DutyCycleAns acknowledges a DutyCycleReq.
type DutyCycleAns struct{}

// RXParamSetupReq changes the RX1 data rate offset and the RX2 window.
type RXParamSetupReq struct {
	RX1DROffset uint8
	RX2DataRate uint8
	Frequency   uint32
}

// RXParamSetupAns acknowledges each field of an RXParamSetupReq.
type RXParamSetupAns struct {
	RX1DROffsetACK bool
	RX2DataRateACK bool
	ChannelACK     bool
}

// DevStatusReq asks for battery level and margin.
type DevStatusReq struct{}

// DevStatusAns reports battery (0 external, 1..254 level, 255 unknown) and
// the SNR margin of the last downlink, -32..31 dB.
type DevStatusAns struct {
	Battery uint8
	Margin  int8
}

// NewChannelReq creates, modifies or (with Frequency 0) disables a channel.
type NewChannelReq struct {
	ChIndex   uint8
	Frequency uint32
	MinDR     uint8
	MaxDR     uint8
}

// NewChannelAns acknowledges a NewChannelReq.
type NewChannelAns struct {
	DataRateRangeOK    bool
	ChannelFrequencyOK bool
}

// RXTimingSetupReq sets the RX1 delay in seconds; 0 means 1.
type RXTimingSetupReq struct {
	Delay uint8
}

// RXTimingSetupAns acknowledges an RXTimingSetupReq.
type RXTimingSetupAns struct{}

// TxParamSetupReq sets dwell time limits and max EIRP.
type TxParamSetupReq struct {
	DownlinkDwellTime bool
	UplinkDwellTime   bool
	MaxEIRP           uint8
}

// TxParamSetupAns acknowledges a TxParamSetupReq.
type TxParamSetupAns struct{}

// DlChannelReq moves the RX1 downlink frequency of a channel.
type DlChannelReq struct {
	ChIndex   uint8
	Frequency uint32
}

// DlChannelAns acknowledges a DlChannelReq.
type DlChannelAns struct {
	UplinkFrequencyExists bool
	ChannelFrequencyOK    bool
}

// DeviceTimeReq asks the network for the current GPS time.
type DeviceTimeReq struct{}

// DeviceTimeAns carries GPS seconds and 1/256 s fractions.
type DeviceTimeAns struct {
	Seconds  uint32
	Fraction uint8
}

func (*LinkCheckReq) CID() CID     { return CIDLinkCheck }
func (*LinkCheckAns) CID() CID     { return CIDLinkCheck }
func (*LinkADRReq) CID() CID       { return CIDLinkADR }
func (*LinkADRAns) CID() CID       { return CIDLinkADR }
func (*DutyCycleReq) CID() CID     { return CIDDutyCycle }
func (*DutyCycleAns) CID() CID     { return CIDDutyCycle }
func (*RXParamSetupReq) CID() CID  { return CIDRXParamSetup }
func (*RXParamSetupAns) CID() CID  { return CIDRXParamSetup }
func (*DevStatusReq) CID() CID     { return CIDDevStatus }
func (*DevStatusAns) CID() CID     { return CIDDevStatus }
func (*NewChannelReq) CID() CID    { return CIDNewChannel }
func (*NewChannelAns) CID() CID    { return CIDNewChannel }
func (*RXTimingSetupReq) CID() CID { return CIDRXTimingSetup }
func (*RXTimingSetupAns) CID() CID { return CIDRXTimingSetup }
func (*TxParamSetupReq) CID() CID  { return CIDTxParamSetup }
func (*TxParamSetupAns) CID() CID  { return CIDTxParamSetup }
func (*DlChannelReq) CID() CID     { return CIDDlChannel }
func (*DlChannelAns) CID() CID     { return CIDDlChannel }
func (*DeviceTimeReq) CID() CID    { return CIDDeviceTime }
func (*DeviceTimeAns) CID() CID    { return CIDDeviceTime }

func (*LinkCheckReq) Uplink() bool     { return true }
func (*LinkCheckAns) Uplink() bool     { return false }
func (*LinkADRReq) Uplink() bool       { return false }
func (*LinkADRAns) Uplink() bool       { return true }
func (*DutyCycleReq) Uplink() bool     { return false }
func (*DutyCycleAns) Uplink() bool     { return true }
func (*RXParamSetupReq) Uplink() bool  { return false }
func (*RXParamSetupAns) Uplink() bool  { return true }
func (*DevStatusReq) Uplink() bool     { return false }
func (*DevStatusAns) Uplink() bool     { return true }
func (*NewChannelReq) Uplink() bool    { return false }
func (*NewChannelAns) Uplink() bool    { return true }
func (*RXTimingSetupReq) Uplink() bool { return false }
func (*RXTimingSetupAns) Uplink() bool { return true }
func (*TxParamSetupReq) Uplink() bool  { return false }
func (*TxParamSetupAns) Uplink() bool  { return true }
func (*DlChannelReq) Uplink() bool     { return false }
func (*DlChannelAns) Uplink() bool     { return true }
func (*DeviceTimeReq) Uplink() bool    { return true }
func (*DeviceTimeAns) Uplink() bool    { return false }

// newMACCommand returns an empty command for cid in the given direction and
// its fixed payload width, or nil when the CID is not in the catalog.
func newMACCommand(uplink bool, cid CID) (MACCommand, int) {
	if uplink {
		switch cid {
		case CIDLinkCheck:
			return &LinkCheckReq{}, 0
		case CIDLinkADR:
			return &LinkADRAns{}, 1
		case CIDDutyCycle:
			return &DutyCycleAns{}, 0
		case CIDRXParamSetup:
			return &RXParamSetupAns{}, 1
		case CIDDevStatus:
			return &DevStatusAns{}, 2
		case CIDNewChannel:
			return &NewChannelAns{}, 1
		case CIDRXTimingSetup:
			return &RXTimingSetupAns{}, 0
		case CIDTxParamSetup:
			return &TxParamSetupAns{}, 0
		case CIDDlChannel:
			return &DlChannelAns{}, 1
		case CIDDeviceTime:
			return &DeviceTimeReq{}, 0
		}
		return nil, -1
	}

	switch cid {
	case CIDLinkCheck:
		return &LinkCheckAns{}, 2
	case CIDLinkADR:
		return &LinkADRReq{}, 4
	case CIDDutyCycle:
		return &DutyCycleReq{}, 1
	case CIDRXParamSetup:
		return &RXParamSetupReq{}, 4
	case CIDDevStatus:
		return &DevStatusReq{}, 0
	case CIDNewChannel:
		return &NewChannelReq{}, 5
	case CIDRXTimingSetup:
		return &RXTimingSetupReq{}, 1
	case CIDTxParamSetup:
		return &TxParamSetupReq{}, 1
	case CIDDlChannel:
		return &DlChannelReq{}, 4
	case CIDDeviceTime:
		return &DeviceTimeAns{}, 5
	}
	return nil, -1
}

// EncodeMACCommand encodes one command as CID | payload.
func EncodeMACCommand(cmd MACCommand) []byte {
	return append([]byte{byte(cmd.CID())}, cmd.payload()...)
}

// EncodeMACCommands encodes MAC commands to bytes. It does not enforce the
// FOpts budget; MACPayload.Marshal does.
func EncodeMACCommands(commands []MACCommand) []byte {
	var data []byte
	for _, cmd := range commands {
		data = append(data, EncodeMACCommand(cmd)...)
	}
	return data
}

// DecodeMACCommands parses the concatenated commands in data. A command
// whose width overruns the buffer yields ErrMalformedFrame and no commands.
// An unknown CID is skipped as a single byte and parsing goes on; the
// decoded commands are then returned together with an ErrUnsupportedCommand
// error naming the skipped CIDs.
func DecodeMACCommands(uplink bool, data []byte) ([]MACCommand, error) {
	var commands []MACCommand
	var skipped []string

	for i := 0; i < len(data); {
		cid := CID(data[i])
		i++

		cmd, size := newMACCommand(uplink, cid)
		if cmd == nil {
			skipped = append(skipped, fmt.Sprintf("0x%02x", byte(cid)))
			continue
		}

		if i+size > len(data) {
			return nil, fmt.Errorf("%w: CID 0x%02x needs %d bytes, %d left", ErrMalformedFrame, byte(cid), size, len(data)-i)
		}

		cmd.unmarshal(data[i : i+size])
		i += size

		commands = append(commands, cmd)
	}

	if len(skipped) > 0 {
		return commands, fmt.Errorf("%w: CID %s skipped", ErrUnsupportedCommand, strings.Join(skipped, ","))
	}
	return commands, nil
}

func (c *LinkCheckReq) payload() []byte  { return nil }
func (c *LinkCheckReq) unmarshal([]byte) {}

func (c *LinkCheckAns) payload() []byte { return []byte{c.Margin, c.GwCnt} }
func (c *LinkCheckAns) unmarshal(b []byte) {
	c.Margin, c.GwCnt = b[0], b[1]
}

func (c *LinkADRReq) payload() []byte {
	b := make([]byte, 4)
	b[0] = (c.DataRate&0x0F)<<4 | c.TXPower&0x0F
	binary.LittleEndian.PutUint16(b[1:3], c.ChMask)
	b[3] = (c.ChMaskCntl&0x07)<<4 | c.NbRep&0x0F
	return b
}
func (c *LinkADRReq) unmarshal(b []byte) {
	c.DataRate = b[0] >> 4
	c.TXPower = b[0] & 0x0F
	c.ChMask = binary.LittleEndian.Uint16(b[1:3])
	c.ChMaskCntl = (b[3] >> 4) & 0x07
	c.NbRep = b[3] & 0x0F
}

func (c *LinkADRAns) payload() []byte {
	return []byte{bits(c.PowerACK, c.DataRateACK, c.ChannelMaskACK)}
}
func (c *LinkADRAns) unmarshal(b []byte) {
	c.PowerACK = b[0]&0x04 != 0
	c.DataRateACK = b[0]&0x02 != 0
	c.ChannelMaskACK = b[0]&0x01 != 0
}

func (c *DutyCycleReq) payload() []byte { return []byte{c.MaxDCycle & 0x0F} }
func (c *DutyCycleReq) unmarshal(b []byte) {
	c.MaxDCycle = b[0] & 0x0F
}

func (c *DutyCycleAns) payload() []byte  { return nil }
func (c *DutyCycleAns) unmarshal([]byte) {}

func (c *RXParamSetupReq) payload() []byte {
	b := make([]byte, 1, 4)
	b[0] = (c.RX1DROffset&0x07)<<4 | c.RX2DataRate&0x0F
	return append(b, encodeFrequency(c.Frequency)...)
}
func (c *RXParamSetupReq) unmarshal(b []byte) {
	c.RX1DROffset = (b[0] >> 4) & 0x07
	c.RX2DataRate = b[0] & 0x0F
	c.Frequency = decodeFrequency(b[1:4])
}

func (c *RXParamSetupAns) payload() []byte {
	return []byte{bits(c.RX1DROffsetACK, c.RX2DataRateACK, c.ChannelACK)}
}
func (c *RXParamSetupAns) unmarshal(b []byte) {
	c.RX1DROffsetACK = b[0]&0x04 != 0
	c.RX2DataRateACK = b[0]&0x02 != 0
	c.ChannelACK = b[0]&0x01 != 0
}

func (c *DevStatusReq) payload() []byte  { return nil }
func (c *DevStatusReq) unmarshal([]byte) {}

func (c *DevStatusAns) payload() []byte {
	return []byte{c.Battery, byte(c.Margin) & 0x3F}
}
func (c *DevStatusAns) unmarshal(b []byte) {
	c.Battery = b[0]
	m := b[1] & 0x3F
	if m&0x20 != 0 {
		m |= 0xC0
	}
	c.Margin = int8(m)
}

func (c *NewChannelReq) payload() []byte {
	b := []byte{c.ChIndex}
	b = append(b, encodeFrequency(c.Frequency)...)
	return append(b, (c.MaxDR&0x0F)<<4|c.MinDR&0x0F)
}
func (c *NewChannelReq) unmarshal(b []byte) {
	c.ChIndex = b[0]
	c.Frequency = decodeFrequency(b[1:4])
	c.MaxDR = b[4] >> 4
	c.MinDR = b[4] & 0x0F
}

func (c *NewChannelAns) payload() []byte {
	return []byte{bits(false, c.DataRateRangeOK, c.ChannelFrequencyOK)}
}
func (c *NewChannelAns) unmarshal(b []byte) {
	c.DataRateRangeOK = b[0]&0x02 != 0
	c.ChannelFrequencyOK = b[0]&0x01 != 0
}

func (c *RXTimingSetupReq) payload() []byte { return []byte{c.Delay & 0x0F} }
func (c *RXTimingSetupReq) unmarshal(b []byte) {
	c.Delay = b[0] & 0x0F
}

func (c *RXTimingSetupAns) payload() []byte  { return nil }
func (c *RXTimingSetupAns) unmarshal([]byte) {}

func (c *TxParamSetupReq) payload() []byte {
	var b byte
	if c.DownlinkDwellTime {
		b |= 0x20
	}
	if c.UplinkDwellTime {
		b |= 0x10
	}
	return []byte{b | c.MaxEIRP&0x0F}
}
func (c *TxParamSetupReq) unmarshal(b []byte) {
	c.DownlinkDwellTime = b[0]&0x20 != 0
	c.UplinkDwellTime = b[0]&0x10 != 0
	c.MaxEIRP = b[0] & 0x0F
}

func (c *TxParamSetupAns) payload() []byte  { return nil }
func (c *TxParamSetupAns) unmarshal([]byte) {}

func (c *DlChannelReq) payload() []byte {
	return append([]byte{c.ChIndex}, encodeFrequency(c.Frequency)...)
}
func (c *DlChannelReq) unmarshal(b []byte) {
	c.ChIndex = b[0]
	c.Frequency = decodeFrequency(b[1:4])
}

func (c *DlChannelAns) payload() []byte {
	return []byte{bits(false, c.UplinkFrequencyExists, c.ChannelFrequencyOK)}
}
func (c *DlChannelAns) unmarshal(b []byte) {
	c.UplinkFrequencyExists = b[0]&0x02 != 0
	c.ChannelFrequencyOK = b[0]&0x01 != 0
}

func (c *DeviceTimeReq) payload() []byte  { return nil }
func (c *DeviceTimeReq) unmarshal([]byte) {}

func (c *DeviceTimeAns) payload() []byte {
	b := make([]byte, 5)
	binary.LittleEndian.PutUint32(b[0:4], c.Seconds)
	b[4] = c.Fraction
	return b
}
func (c *DeviceTimeAns) unmarshal(b []byte) {
	c.Seconds = binary.LittleEndian.Uint32(b[0:4])
	c.Fraction = b[4]
}

// bits packs three flags into bits 2, 1 and 0.
func bits(b2, b1, b0 bool) byte {
	var b byte
	if b2 {
		b |= 0x04
	}
	if b1 {
		b |= 0x02
	}
	if b0 {
		b |= 0x01
	}
	return b
}

// Frequencies are carried as 24-bit little endian multiples of 100 Hz.
func encodeFrequency(hz uint32) []byte {
	v := hz / 100
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

func decodeFrequency(b []byte) uint32 {
	return (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) * 100
}
