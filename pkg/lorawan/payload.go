package lorawan

import (
	"encoding/binary"
	"fmt"
)

// MaxFOptsLen is the largest FOpts field the FCtrl nibble can announce.
const MaxFOptsLen = 15

const (
	joinRequestLen        = 1 + 18 + 4
	joinAcceptLen         = 1 + 12 + 4
	joinAcceptCFListLen   = joinAcceptLen + 16
	minDataFrameLen       = 1 + 7 + 4
	minPHYPayloadLen      = 5
	joinAcceptBodyLen     = 12
	cfListLen             = 16
	cfListTypeFrequencies = 0
)

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary. For a join-accept the
// MACPayload and MIC fields still hold ciphertext; see OpenJoinAccept.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < minPHYPayloadLen {
		return fmt.Errorf("%w: PHYPayload too short: %d bytes", ErrMalformedFrame, len(data))
	}

	mhdr := ParseMHDR(data[0])
	switch mhdr.MType {
	case JoinRequest:
		if len(data) != joinRequestLen {
			return fmt.Errorf("%w: join-request must be %d bytes, got %d", ErrMalformedFrame, joinRequestLen, len(data))
		}
	case JoinAccept:
		if len(data) != joinAcceptLen && len(data) != joinAcceptCFListLen {
			return fmt.Errorf("%w: join-accept must be %d or %d bytes, got %d", ErrMalformedFrame, joinAcceptLen, joinAcceptCFListLen, len(data))
		}
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		if len(data) < minDataFrameLen {
			return fmt.Errorf("%w: data frame too short: %d bytes", ErrMalformedFrame, len(data))
		}
	}

	p.MHDR = mhdr
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

func (p *PHYPayload) micMessage() []byte {
	msg := make([]byte, 0, 1+len(p.MACPayload))
	msg = append(msg, p.MHDR.Byte())
	return append(msg, p.MACPayload...)
}

func (p *PHYPayload) dataDevAddr() (DevAddr, error) {
	if len(p.MACPayload) < 4 {
		return DevAddr{}, fmt.Errorf("%w: MACPayload too short for DevAddr", ErrMalformedFrame)
	}
	return devAddrFromWire(p.MACPayload[0:4]), nil
}

// SetDataMIC calculates and sets the MIC of a data frame. fCnt is the full
// 32-bit frame counter, of which only the low 16 bits are on the wire.
func (p *PHYPayload) SetDataMIC(key AES128Key, fCnt uint32) error {
	devAddr, err := p.dataDevAddr()
	if err != nil {
		return err
	}

	mic, err := ComputeDataMIC(key, p.MHDR.MType.IsUplink(), devAddr, fCnt, p.micMessage())
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateDataMIC validates the MIC of a data frame.
func (p *PHYPayload) ValidateDataMIC(key AES128Key, fCnt uint32) (bool, error) {
	devAddr, err := p.dataDevAddr()
	if err != nil {
		return false, err
	}

	mic, err := ComputeDataMIC(key, p.MHDR.MType.IsUplink(), devAddr, fCnt, p.micMessage())
	if err != nil {
		return false, fmt.Errorf("calculate MIC: %w", err)
	}
	return EqualMIC(mic, p.MIC), nil
}

// SetJoinRequestMIC sets the JOIN REQUEST MIC:
// MIC = aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
func (p *PHYPayload) SetJoinRequestMIC(appKey AES128Key) error {
	mic, err := ComputeJoinMIC(appKey, p.micMessage())
	if err != nil {
		return fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateJoinRequestMIC validates JOIN REQUEST MIC
func (p *PHYPayload) ValidateJoinRequestMIC(appKey AES128Key) (bool, error) {
	mic, err := ComputeJoinMIC(appKey, p.micMessage())
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	return EqualMIC(mic, p.MIC), nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(last uint32, fCnt uint16) uint32 {
	upperBits := last & 0xFFFF0000

	// Rollover of the 16-bit wire counter
	if uint16(last) > fCnt && (uint16(last)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > MaxFOptsLen {
		return nil, fmt.Errorf("%w: FOpts is %d bytes, max %d", ErrMalformedFrame, len(m.FHDR.FOpts), MaxFOptsLen)
	}
	if m.FPort != nil && *m.FPort == 0 && len(m.FHDR.FOpts) > 0 {
		return nil, fmt.Errorf("%w: FOpts must be empty when FPort is 0", ErrMalformedFrame)
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, m.FHDR.DevAddr.littleEndian()...)
	data = append(data, m.FHDR.FCtrl.byte(uplink)|byte(len(m.FHDR.FOpts)))
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, uplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("%w: MACPayload too short: %d bytes", ErrMalformedFrame, len(data))
	}

	m.FHDR.DevAddr = devAddrFromWire(data[0:4])
	m.FHDR.FCtrl = parseFCtrl(data[4], uplink)
	foptsLen := int(data[4] & 0x0F)
	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[5:7])
	pos := 7

	if pos+foptsLen > len(data) {
		return fmt.Errorf("%w: FOpts length %d exceeds frame", ErrMalformedFrame, foptsLen)
	}
	m.FHDR.FOpts = data[pos : pos+foptsLen]
	pos += foptsLen

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++
		m.FRMPayload = data[pos:]

		if fport == 0 && foptsLen > 0 {
			return fmt.Errorf("%w: FOpts and FPort 0 are mutually exclusive", ErrMalformedFrame)
		}
	}

	return nil
}

func (c FCtrl) byte(uplink bool) byte {
	var b byte
	if c.ADR {
		b |= 0x80
	}
	if c.ACK {
		b |= 0x20
	}
	if uplink {
		if c.ADRACKReq {
			b |= 0x40
		}
		if c.ClassB {
			b |= 0x10
		}
	} else if c.FPending {
		b |= 0x10
	}
	return b
}

func parseFCtrl(b byte, uplink bool) FCtrl {
	c := FCtrl{
		ADR: b&0x80 != 0,
		ACK: b&0x20 != 0,
	}
	if uplink {
		c.ADRACKReq = b&0x40 != 0
		c.ClassB = b&0x10 != 0
	} else {
		c.FPending = b&0x10 != 0
	}
	return c
}

// MarshalBinary encodes the join-request body.
func (j JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 18)
	data = append(data, j.JoinEUI.littleEndian()...)
	data = append(data, j.DevEUI.littleEndian()...)
	data = binary.LittleEndian.AppendUint16(data, j.DevNonce)
	return data, nil
}

// UnmarshalBinary decodes the join-request body.
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("%w: invalid JoinRequest length: expected 18, got %d", ErrMalformedFrame, len(data))
	}

	copy(j.JoinEUI[:], reversed(data[0:8]))
	copy(j.DevEUI[:], reversed(data[8:16]))
	j.DevNonce = binary.LittleEndian.Uint16(data[16:18])
	return nil
}

// MarshalBinary encodes the plaintext join-accept body.
func (j JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, joinAcceptBodyLen, joinAcceptBodyLen+cfListLen)
	copy(data[0:3], j.JoinNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], j.DevAddr.littleEndian())
	data[10] = (j.DLSettings.RX1DROffset&0x07)<<4 | j.DLSettings.RX2DataRate&0x0F
	data[11] = j.RxDelay

	if j.CFList != nil {
		for _, f := range j.CFList {
			v := f / 100
			data = append(data, byte(v), byte(v>>8), byte(v>>16))
		}
		data = append(data, cfListTypeFrequencies)
	}

	return data, nil
}

// UnmarshalBinary decodes the plaintext join-accept body.
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) != joinAcceptBodyLen && len(data) != joinAcceptBodyLen+cfListLen {
		return fmt.Errorf("%w: invalid JoinAccept length: %d", ErrMalformedFrame, len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	j.DevAddr = devAddrFromWire(data[6:10])
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	j.CFList = nil
	if len(data) > joinAcceptBodyLen {
		cf := data[joinAcceptBodyLen:]
		if cf[15] != cfListTypeFrequencies {
			// Channel-mask CFLists are not modelled; ignore them.
			return nil
		}
		var list CFList
		for i := range list {
			b := cf[i*3 : i*3+3]
			list[i] = (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) * 100
		}
		j.CFList = &list
	}

	return nil
}

// BuildJoinAccept produces the encrypted over-the-air join-accept frame:
// MHDR | aes128_decrypt(AppKey, JoinAccept | MIC).
func BuildJoinAccept(appKey AES128Key, ja JoinAcceptPayload) ([]byte, error) {
	body, err := ja.MarshalBinary()
	if err != nil {
		return nil, err
	}

	mhdr := MHDR{MType: JoinAccept, Major: LoRaWANR1}
	mic, err := ComputeJoinMIC(appKey, append([]byte{mhdr.Byte()}, body...))
	if err != nil {
		return nil, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}

	enc, err := EncryptJoinAccept(appKey, append(body, mic[:]...))
	if err != nil {
		return nil, fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}

	return append([]byte{mhdr.Byte()}, enc...), nil
}

// OpenJoinAccept decrypts a join-accept frame, verifies its MIC and decodes
// the body. A MIC mismatch yields ErrIntegrityFailure.
func OpenJoinAccept(appKey AES128Key, phy []byte) (JoinAcceptPayload, error) {
	var ja JoinAcceptPayload

	if len(phy) != joinAcceptLen && len(phy) != joinAcceptCFListLen {
		return ja, fmt.Errorf("%w: join-accept must be %d or %d bytes, got %d", ErrMalformedFrame, joinAcceptLen, joinAcceptCFListLen, len(phy))
	}
	mhdr := ParseMHDR(phy[0])
	if mhdr.MType != JoinAccept {
		return ja, fmt.Errorf("%w: expected JoinAccept, got %s", ErrMalformedFrame, mhdr.MType)
	}

	plain, err := DecryptJoinAccept(appKey, phy[1:])
	if err != nil {
		return ja, err
	}

	body := plain[:len(plain)-4]
	var carried [4]byte
	copy(carried[:], plain[len(plain)-4:])

	mic, err := ComputeJoinMIC(appKey, append([]byte{phy[0]}, body...))
	if err != nil {
		return ja, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	if !EqualMIC(mic, carried) {
		return ja, fmt.Errorf("%w: join-accept MIC mismatch", ErrIntegrityFailure)
	}

	if err := ja.UnmarshalBinary(body); err != nil {
		return ja, err
	}
	return ja, nil
}

// EncodeDataFrame encrypts the FRMPayload of mac, computes the MIC and
// returns the PHYPayload bytes. The direction follows mtype; port 0 payloads
// are encrypted with the NwkSKey, all others with the AppSKey. fCnt is the
// full 32-bit counter whose low 16 bits must equal mac.FHDR.FCnt.
func EncodeDataFrame(mtype MType, mac MACPayload, fCnt uint32, nwkSKey, appSKey AES128Key) ([]byte, error) {
	switch mtype {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
	default:
		return nil, fmt.Errorf("%w: %s is not a data frame", ErrMalformedFrame, mtype)
	}
	if uint16(fCnt) != mac.FHDR.FCnt {
		return nil, fmt.Errorf("FCnt %d does not match FHDR.FCnt %d", fCnt, mac.FHDR.FCnt)
	}

	uplink := mtype.IsUplink()
	if mac.FPort != nil && len(mac.FRMPayload) > 0 {
		key := appSKey
		if *mac.FPort == 0 {
			key = nwkSKey
		}
		enc, err := EncryptFRMPayload(key, uplink, mac.FHDR.DevAddr, fCnt, mac.FRMPayload)
		if err != nil {
			return nil, fmt.Errorf("encrypt FRMPayload: %w", err)
		}
		mac.FRMPayload = enc
	}

	b, err := mac.Marshal(uplink)
	if err != nil {
		return nil, err
	}

	phy := PHYPayload{MHDR: MHDR{MType: mtype, Major: LoRaWANR1}, MACPayload: b}
	if err := phy.SetDataMIC(nwkSKey, fCnt); err != nil {
		return nil, err
	}
	return phy.MarshalBinary()
}

// DecodeDataFrame verifies the MIC of a data frame against the counter
// returned by expand and decrypts its FRMPayload. It returns the decoded
// MACPayload with plaintext FRMPayload and the full counter.
func DecodeDataFrame(data []byte, nwkSKey, appSKey AES128Key, expand func(uint16) uint32) (PHYPayload, MACPayload, uint32, error) {
	var phy PHYPayload
	var mac MACPayload

	if err := phy.UnmarshalBinary(data); err != nil {
		return phy, mac, 0, err
	}
	switch phy.MHDR.MType {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
	default:
		return phy, mac, 0, fmt.Errorf("%w: %s is not a data frame", ErrMalformedFrame, phy.MHDR.MType)
	}

	uplink := phy.MHDR.MType.IsUplink()
	if err := mac.Unmarshal(phy.MACPayload, uplink); err != nil {
		return phy, mac, 0, err
	}

	fCnt := expand(mac.FHDR.FCnt)
	ok, err := phy.ValidateDataMIC(nwkSKey, fCnt)
	if err != nil {
		return phy, mac, 0, err
	}
	if !ok {
		return phy, mac, fCnt, fmt.Errorf("%w: data frame MIC mismatch", ErrIntegrityFailure)
	}

	if mac.FPort != nil && len(mac.FRMPayload) > 0 {
		key := appSKey
		if *mac.FPort == 0 {
			key = nwkSKey
		}
		plain, err := EncryptFRMPayload(key, uplink, mac.FHDR.DevAddr, fCnt, mac.FRMPayload)
		if err != nil {
			return phy, mac, fCnt, fmt.Errorf("decrypt FRMPayload: %w", err)
		}
		mac.FRMPayload = plain
	}

	return phy, mac, fCnt, nil
}
