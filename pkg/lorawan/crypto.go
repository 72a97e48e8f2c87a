package lorawan

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// computeMIC returns the first four bytes of AES-CMAC(key, parts...).
func computeMIC(key AES128Key, parts ...[]byte) ([4]byte, error) {
	var mic [4]byte

	hash, err := cmac.New(key[:])
	if err != nil {
		return mic, fmt.Errorf("new cmac: %w", err)
	}
	for _, p := range parts {
		if _, err := hash.Write(p); err != nil {
			return mic, fmt.Errorf("cmac write: %w", err)
		}
	}

	copy(mic[:], hash.Sum(nil)[0:4])
	return mic, nil
}

// b0Block builds the B0 block prepended to data frames for MIC calculation.
func b0Block(uplink bool, devAddr DevAddr, fCnt uint32, msgLen int) []byte {
	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr.littleEndian())
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(msgLen)
	return b0
}

// ComputeDataMIC computes the MIC of a data frame. msg is MHDR | MACPayload.
func ComputeDataMIC(key AES128Key, uplink bool, devAddr DevAddr, fCnt uint32, msg []byte) ([4]byte, error) {
	return computeMIC(key, b0Block(uplink, devAddr, fCnt, len(msg)), msg)
}

// ComputeJoinMIC computes the MIC of a join-request or (plaintext)
// join-accept. msg is MHDR | payload.
func ComputeJoinMIC(key AES128Key, msg []byte) ([4]byte, error) {
	return computeMIC(key, msg)
}

// EqualMIC compares two MICs in constant time.
func EqualMIC(a, b [4]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// EncryptFRMPayload encrypts/decrypts FRM payload. The operation is its own
// inverse for the same key, direction, address and counter.
func EncryptFRMPayload(key AES128Key, uplink bool, devAddr DevAddr, fCnt uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{}, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], devAddr.littleEndian())
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	k := (len(payload) + 15) / 16
	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}
	return out, nil
}

// DeriveSessionKeys10 derives the LoRaWAN 1.0.x session keys:
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 | JoinNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 | JoinNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys10(appKey AES128Key, joinNonce, netID [3]byte, devNonce uint16) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	msg := make([]byte, 16)
	copy(msg[1:4], joinNonce[:])
	copy(msg[4:7], netID[:])
	binary.LittleEndian.PutUint16(msg[7:9], devNonce)

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg)
	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}

// EncryptJoinAccept encrypts a join-accept body (payload | MIC). The network
// side uses the AES decrypt primitive so devices only need AES encrypt.
func EncryptJoinAccept(key AES128Key, data []byte) ([]byte, error) {
	return joinAcceptECB(key, data, false)
}

// DecryptJoinAccept reverses EncryptJoinAccept.
func DecryptJoinAccept(key AES128Key, data []byte) ([]byte, error) {
	return joinAcceptECB(key, data, true)
}

func joinAcceptECB(key AES128Key, data []byte, encrypt bool) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: join-accept length %d is not a multiple of %d", ErrMalformedFrame, len(data), aes.BlockSize)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		if encrypt {
			block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		} else {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return out, nil
}
