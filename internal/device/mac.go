package device

import (
	"fmt"
	"math"
	"time"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

const (
	keepDataRate = 0x0F
	keepTXPower  = 0x0F

	chMaskCntlBlock0 = 0
	chMaskCntlAllOn  = 6

	maxRX1DROffset = 5
)

// ApplyMACCommand applies a network-originated MAC command to the device
// and queues the answer when the command has one. Commands that only travel
// uplink are rejected with ErrUnsupportedCommand.
func (d *Device) ApplyMACCommand(cmd lorawan.MACCommand) error {
	switch c := cmd.(type) {
	case *lorawan.LinkADRReq:
		d.enqueue(d.handleLinkADRReq(c))

	case *lorawan.DutyCycleReq:
		d.maxDutyCycle = c.MaxDCycle
		d.enqueue(&lorawan.DutyCycleAns{})

	case *lorawan.RXParamSetupReq:
		d.enqueue(d.handleRXParamSetupReq(c))

	case *lorawan.DevStatusReq:
		d.enqueue(&lorawan.DevStatusAns{Battery: d.battery, Margin: d.margin()})

	case *lorawan.NewChannelReq:
		d.enqueue(d.handleNewChannelReq(c))

	case *lorawan.RXTimingSetupReq:
		d.rx1Delay = c.Delay
		if d.rx1Delay == 0 {
			d.rx1Delay = 1
		}
		d.enqueue(&lorawan.RXTimingSetupAns{})

	case *lorawan.TxParamSetupReq:
		d.dwellDown = c.DownlinkDwellTime
		d.dwellUp = c.UplinkDwellTime
		d.maxEIRP = c.MaxEIRP
		d.enqueue(&lorawan.TxParamSetupAns{})

	case *lorawan.DlChannelReq:
		d.enqueue(d.handleDlChannelReq(c))

	case *lorawan.LinkCheckAns:
		d.linkMargin = c.Margin
		d.linkGwCnt = c.GwCnt

	case *lorawan.DeviceTimeAns:
		d.gpsTime = time.Duration(c.Seconds)*time.Second + time.Duration(c.Fraction)*time.Second/256

	default:
		return fmt.Errorf("%w: CID 0x%02x is not a downlink command", lorawan.ErrUnsupportedCommand, byte(cmd.CID()))
	}

	d.publish()
	return nil
}

// handleLinkADRReq acks each field separately but only changes state when
// all three are acknowledged.
func (d *Device) handleLinkADRReq(c *lorawan.LinkADRReq) *lorawan.LinkADRAns {
	ans := &lorawan.LinkADRAns{}

	mask, maskOK := d.applyChMask(c.ChMask, c.ChMaskCntl)
	ans.ChannelMaskACK = maskOK

	dr := d.dataRate
	if c.DataRate != keepDataRate {
		dr = int(c.DataRate)
	}
	if _, err := d.region.DataRate(dr); err == nil && maskOK {
		for i, on := range mask {
			if on && dr >= d.channels[i].MinDR && dr <= d.channels[i].MaxDR {
				ans.DataRateACK = true
				break
			}
		}
	}

	power := d.txPower
	if c.TXPower != keepTXPower {
		power = int(c.TXPower)
	}
	ans.PowerACK = power <= d.region.MaxTXPowerIndex

	if ans.ChannelMaskACK && ans.DataRateACK && ans.PowerACK {
		for i := range d.channels {
			d.channels[i].Enabled = mask[i]
		}
		d.dataRate = dr
		d.txPower = power
		if c.NbRep > 0 {
			d.nbTrans = int(c.NbRep)
		} else {
			d.nbTrans = 1
		}
	}

	return ans
}

// applyChMask computes the channel enable set a LinkADRReq asks for without
// changing the device. At least one defined channel must stay enabled.
func (d *Device) applyChMask(chMask uint16, cntl uint8) ([maxChannels]bool, bool) {
	var mask [maxChannels]bool

	switch cntl {
	case chMaskCntlBlock0:
		for i := 0; i < maxChannels; i++ {
			if chMask&(1<<uint(i)) == 0 {
				continue
			}
			if d.channels[i].Frequency == 0 {
				return mask, false
			}
			mask[i] = true
		}
	case chMaskCntlAllOn:
		for i, c := range d.channels {
			mask[i] = c.Frequency != 0
		}
	default:
		return mask, false
	}

	for _, on := range mask {
		if on {
			return mask, true
		}
	}
	return mask, false
}

func (d *Device) handleRXParamSetupReq(c *lorawan.RXParamSetupReq) *lorawan.RXParamSetupAns {
	_, drErr := d.region.DataRate(int(c.RX2DataRate))
	ans := &lorawan.RXParamSetupAns{
		RX1DROffsetACK: c.RX1DROffset <= maxRX1DROffset,
		RX2DataRateACK: drErr == nil,
		ChannelACK:     d.region.ValidFrequency(c.Frequency),
	}

	if ans.RX1DROffsetACK && ans.RX2DataRateACK && ans.ChannelACK {
		d.rx1DROffset = c.RX1DROffset
		d.rx2DataRate = c.RX2DataRate
		d.rx2Frequency = c.Frequency
	}
	return ans
}

// handleNewChannelReq creates, changes or disables a channel. The default
// channels of the region cannot be touched.
func (d *Device) handleNewChannelReq(c *lorawan.NewChannelReq) *lorawan.NewChannelAns {
	idx := int(c.ChIndex)
	ans := &lorawan.NewChannelAns{}

	if idx < len(d.region.Channels) || idx >= maxChannels {
		return ans
	}

	if c.Frequency == 0 {
		d.channels[idx] = ChannelState{}
		return &lorawan.NewChannelAns{DataRateRangeOK: true, ChannelFrequencyOK: true}
	}

	_, minErr := d.region.DataRate(int(c.MinDR))
	_, maxErr := d.region.DataRate(int(c.MaxDR))
	ans.DataRateRangeOK = minErr == nil && maxErr == nil && c.MinDR <= c.MaxDR
	ans.ChannelFrequencyOK = d.region.ValidFrequency(c.Frequency)

	if ans.DataRateRangeOK && ans.ChannelFrequencyOK {
		d.channels[idx] = ChannelState{
			Frequency: c.Frequency,
			MinDR:     int(c.MinDR),
			MaxDR:     int(c.MaxDR),
			Enabled:   true,
		}
	}
	return ans
}

func (d *Device) handleDlChannelReq(c *lorawan.DlChannelReq) *lorawan.DlChannelAns {
	idx := int(c.ChIndex)
	ans := &lorawan.DlChannelAns{
		UplinkFrequencyExists: idx < maxChannels && d.channels[idx].Frequency != 0,
		ChannelFrequencyOK:    d.region.ValidFrequency(c.Frequency),
	}
	if ans.UplinkFrequencyExists && ans.ChannelFrequencyOK {
		d.channels[idx].DownlinkFrequency = c.Frequency
	}
	return ans
}

// margin is the DevStatusAns margin: the last downlink SNR rounded and
// clamped to the 6-bit signed range.
func (d *Device) margin() int8 {
	m := math.Round(d.lastSNR)
	if m < -32 {
		m = -32
	}
	if m > 31 {
		m = 31
	}
	return int8(m)
}

// QueuePeriodicRequests queues a LinkCheckReq and a DeviceTimeReq when the
// next FCntUp is a multiple of their configured interval. A request still
// waiting in the queue is not queued twice.
func (d *Device) QueuePeriodicRequests() {
	fCnt := d.fCntUp
	if n := d.cfg.LinkCheckInterval; n > 0 && fCnt%uint32(n) == 0 {
		d.RequestLinkCheck()
	}
	if n := d.cfg.DeviceTimeInterval; n > 0 && fCnt%uint32(n) == 0 {
		d.RequestDeviceTime()
	}
}

// RequestLinkCheck queues a LinkCheckReq for the next uplink.
func (d *Device) RequestLinkCheck() {
	if !d.queued(lorawan.CIDLinkCheck) {
		d.enqueue(&lorawan.LinkCheckReq{})
	}
}

// RequestDeviceTime queues a DeviceTimeReq for the next uplink.
func (d *Device) RequestDeviceTime() {
	if !d.queued(lorawan.CIDDeviceTime) {
		d.enqueue(&lorawan.DeviceTimeReq{})
	}
}

func (d *Device) queued(cid lorawan.CID) bool {
	for _, c := range d.macQueue {
		if c.CID() == cid {
			return true
		}
	}
	return false
}

func (d *Device) enqueue(cmd lorawan.MACCommand) {
	d.macQueue = append(d.macQueue, cmd)
}

// PendingMACAnswers returns the encoded size of the queued MAC commands.
func (d *Device) PendingMACAnswers() int {
	return len(lorawan.EncodeMACCommands(d.macQueue))
}

// DrainMACAnswers removes queued commands from the head of the queue as long
// as their encoded size fits in limit bytes. A command is never split.
func (d *Device) DrainMACAnswers(limit int) []lorawan.MACCommand {
	var out []lorawan.MACCommand
	size := 0
	for len(d.macQueue) > 0 {
		n := len(lorawan.EncodeMACCommand(d.macQueue[0]))
		if size+n > limit {
			break
		}
		size += n
		out = append(out, d.macQueue[0])
		d.macQueue = d.macQueue[1:]
	}
	return out
}
