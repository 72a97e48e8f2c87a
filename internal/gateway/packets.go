package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Semtech UDP protocol constants
const (
	ProtocolVersion = 2

	headerLen    = 4
	headerEUILen = 12
)

// PacketType is the identifier byte of a Semtech UDP packet.
type PacketType byte

// Packet identifiers
const (
	PushData PacketType = 0x00
	PushAck  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullAck  PacketType = 0x04
	TxAck    PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// hasEUI reports whether packets of this type carry the gateway EUI after
// the header.
func (t PacketType) hasEUI() bool {
	return t == PushData || t == PullData || t == TxAck
}

// Packet is one Semtech UDP datagram. EUI is only encoded for the packet
// types sent by a gateway. Body is the JSON object, if any.
type Packet struct {
	Token uint16
	Type  PacketType
	EUI   lorawan.EUI64
	Body  []byte
}

// MarshalBinary encodes the datagram.
func (p Packet) MarshalBinary() ([]byte, error) {
	if p.Type > TxAck {
		return nil, fmt.Errorf("unknown packet type %d", byte(p.Type))
	}

	out := make([]byte, headerLen, headerEUILen+len(p.Body))
	out[0] = ProtocolVersion
	binary.BigEndian.PutUint16(out[1:3], p.Token)
	out[3] = byte(p.Type)
	if p.Type.hasEUI() {
		out = append(out, p.EUI[:]...)
	}
	return append(out, p.Body...), nil
}

// UnmarshalBinary decodes a datagram.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("packet of %d bytes is too short", len(data))
	}
	if data[0] != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", data[0])
	}

	p.Token = binary.BigEndian.Uint16(data[1:3])
	p.Type = PacketType(data[3])
	if p.Type > TxAck {
		return fmt.Errorf("unknown packet type %d", data[3])
	}

	body := data[headerLen:]
	if p.Type.hasEUI() {
		if len(data) < headerEUILen {
			return fmt.Errorf("%s of %d bytes is too short", p.Type, len(data))
		}
		copy(p.EUI[:], data[headerLen:headerEUILen])
		body = data[headerEUILen:]
	}
	p.Body = nil
	if len(body) > 0 {
		p.Body = append([]byte(nil), body...)
	}
	return nil
}

// DatR is the datr field. LoRa rates are strings such as "SF7BW125"; FSK
// rates are a bit rate encoded as a JSON number.
type DatR struct {
	LoRa string
	FSK  uint32
}

// NewDatR returns the datr of dr.
func NewDatR(dr lorawan.DataRate) DatR {
	if dr.IsLoRa() {
		return DatR{LoRa: dr.String()}
	}
	return DatR{FSK: uint32(dr.BitRate)}
}

func (d DatR) String() string {
	if d.LoRa != "" {
		return d.LoRa
	}
	return strconv.FormatUint(uint64(d.FSK), 10)
}

// MarshalJSON implements json.Marshaler.
func (d DatR) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return []byte(strconv.FormatUint(uint64(d.FSK), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DatR) UnmarshalJSON(data []byte) error {
	*d = DatR{}
	if bytes.HasPrefix(data, []byte(`"`)) {
		return json.Unmarshal(data, &d.LoRa)
	}
	if err := json.Unmarshal(data, &d.FSK); err != nil {
		return fmt.Errorf("decode datr %s: %w", data, err)
	}
	return nil
}

// RXPK is a received packet as reported in PUSH_DATA.
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int8    `json:"stat"`
	Modu string  `json:"modu"`
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// TXPK is a packet the server asks the gateway to transmit.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe int     `json:"powe,omitempty"`
	Ant  int     `json:"ant,omitempty"`
	Brd  int     `json:"brd,omitempty"`
	Modu string  `json:"modu"`
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// PHYPayload returns the decoded frame bytes.
func (t TXPK) PHYPayload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		return nil, fmt.Errorf("decode txpk data: %w", err)
	}
	return b, nil
}

// Stat is the periodic gateway status object.
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati,omitempty"`
	Long float64 `json:"long,omitempty"`
	Alti int     `json:"alti,omitempty"`
	RXNb uint32  `json:"rxnb"`
	RXOK uint32  `json:"rxok"`
	RXFW uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
}

// statTimeLayout is the packet forwarder stat time format.
const statTimeLayout = "2006-01-02 15:04:05 GMT"

// PushDataPayload is the JSON body of PUSH_DATA.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// PullRespPayload is the JSON body of PULL_RESP.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TxAckPayload is the JSON body of TX_ACK.
type TxAckPayload struct {
	TXPKAck TXPKAck `json:"txpk_ack"`
}

// TXPKAck reports the transmission result. "NONE" means no error.
type TXPKAck struct {
	Error string `json:"error"`
}

// NewRXPK describes a frame received at freq (Hz) with the given data rate
// and signal quality.
func NewRXPK(phy []byte, freq uint32, chanIndex int, dr lorawan.DataRate, rssi, snr float64, at time.Time) RXPK {
	modu := "LORA"
	codr := "4/5"
	if !dr.IsLoRa() {
		modu, codr = "FSK", ""
	}
	return RXPK{
		Time: at.UTC().Format(time.RFC3339Nano),
		Tmst: uint32(at.UnixMicro()),
		Chan: uint8(chanIndex),
		Freq: float64(freq) / 1e6,
		Stat: 1,
		Modu: modu,
		DatR: NewDatR(dr),
		CodR: codr,
		RSSI: int(math.Round(rssi)),
		LSNR: snr,
		Size: len(phy),
		Data: base64.StdEncoding.EncodeToString(phy),
	}
}
