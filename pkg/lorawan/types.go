package lorawan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier, stored most
// significant byte first (the order it is printed in).
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHexInto(e[:], string(text), "EUI64")
}

// ParseEUI64 parses a 16 character hex string.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}

// littleEndian returns the over-the-air byte order.
func (e EUI64) littleEndian() []byte {
	return reversed(e[:])
}

// DevAddr represents a 4-byte device address, stored most significant byte
// first. On the air it is transmitted little endian.
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHexInto(d[:], string(text), "DevAddr")
}

// ParseDevAddr parses an 8 character hex string.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	err := d.UnmarshalText([]byte(s))
	return d, err
}

func (d DevAddr) littleEndian() []byte {
	return reversed(d[:])
}

func devAddrFromWire(b []byte) DevAddr {
	var d DevAddr
	copy(d[:], reversed(b[:4]))
	return d
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHexInto(k[:], string(text), "AES128Key")
}

// ParseAES128Key parses a 32 character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// IsZero reports whether every byte of the key is zero.
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest", "JoinAccept", "UnconfirmedDataUp", "UnconfirmedDataDown",
	"ConfirmedDataUp", "ConfirmedDataDown", "RFU", "Proprietary",
}

func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// IsUplink reports whether frames of this type travel device to network.
func (m MType) IsUplink() bool {
	return m == JoinRequest || m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the wire encoding of the header.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

// ParseMHDR decodes a MAC header byte.
func ParseMHDR(b byte) MHDR {
	return MHDR{MType: MType(b >> 5), Major: Major(b & 0x03)}
}

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MACPayload represents the MAC payload of a data frame
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// JoinAcceptPayload represents join accept. JoinNonce and NetID are kept in
// wire order since they only feed key derivation.
type JoinAcceptPayload struct {
	JoinNonce  [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     *CFList
}

// DLSettings represents downlink settings
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

// CFList holds the five extra channel frequencies (Hz) of a type-0 CFList.
type CFList [5]uint32

func decodeHexInto(dst []byte, s, what string) error {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", what, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
