// Package nstest is a loopback LoRaWAN network server speaking the Semtech
// UDP protocol. It answers joins, verifies uplinks and sends class A
// downlinks, and is meant for end-to-end tests of the simulator.
package nstest

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-simulator/internal/gateway"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// Device is an OTAA device the server accepts joins from.
type Device struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key
}

// Downlink is an application or MAC downlink queued for a device.
type Downlink struct {
	FPort       *uint8
	Payload     []byte
	Confirmed   bool
	MACCommands []lorawan.MACCommand
}

// Frame is an uplink the server accepted.
type Frame struct {
	MType       lorawan.MType
	DevEUI      lorawan.EUI64
	DevAddr     lorawan.DevAddr
	DevNonce    uint16
	FCnt        uint32
	FPort       *uint8
	Payload     []byte
	ACK         bool
	MACCommands []lorawan.MACCommand
	RXPK        gateway.RXPK
	Gateway     lorawan.EUI64
}

// SessionKeys of an activated device.
type SessionKeys struct {
	DevEUI  lorawan.EUI64
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

type gatewayInfo struct {
	pushAddr  *net.UDPAddr
	pullAddr  *net.UDPAddr
	pullToken uint16
	lastSeen  time.Time
}

type session struct {
	devEUI   lorawan.EUI64
	devAddr  lorawan.DevAddr
	nwkSKey  lorawan.AES128Key
	appSKey  lorawan.AES128Key
	fCntUp   uint32
	upSeen   bool
	fCntDown uint32
	gateway  lorawan.EUI64
}

// Server is the loopback network server.
type Server struct {
	conn  *net.UDPConn
	netID [3]byte

	// CFList is sent in every join-accept when set.
	CFList *lorawan.CFList
	// RXDelay is the RxDelay field of join-accepts.
	RXDelay uint8

	mu        sync.Mutex
	gateways  map[lorawan.EUI64]*gatewayInfo
	devices   map[lorawan.EUI64]Device
	devNonces map[lorawan.EUI64]map[uint16]bool
	sessions  map[lorawan.DevAddr]*session
	queue     map[lorawan.DevAddr][]Downlink
	rxpk      []gateway.RXPK
	joinNonce uint32
	nextAddr  uint32

	dropAcks atomic.Bool
	frames   chan Frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New binds the server to addr, e.g. "127.0.0.1:0".
func New(addr string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:      conn,
		netID:     [3]byte{0x13, 0x00, 0x00},
		RXDelay:   1,
		gateways:  make(map[lorawan.EUI64]*gatewayInfo),
		devices:   make(map[lorawan.EUI64]Device),
		devNonces: make(map[lorawan.EUI64]map[uint16]bool),
		sessions:  make(map[lorawan.DevAddr]*session),
		queue:     make(map[lorawan.DevAddr][]Downlink),
		nextAddr:  0x26000001,
		frames:    make(chan Frame, 256),
		done:      make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Start runs the receive loop until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) {
	log.Info().Str("addr", s.Addr()).Msg("loopback network server started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		buf := make([]byte, 65507)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			default:
			}

			s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
			n, addr, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error().Err(err).Msg("read UDP packet failed")
				continue
			}

			s.handlePacket(buf[:n], addr)
		}
	}()
}

// Close stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
	})
}

// AddDevice registers an OTAA device.
func (s *Server) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DevEUI] = d
}

// AddSession registers an activated (ABP) device.
func (s *Server) AddSession(devEUI lorawan.EUI64, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[devAddr] = &session{devEUI: devEUI, devAddr: devAddr, nwkSKey: nwkSKey, appSKey: appSKey}
}

// Session returns the keys the server holds for devAddr.
func (s *Server) Session(devAddr lorawan.DevAddr) (SessionKeys, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[devAddr]
	if !ok {
		return SessionKeys{}, false
	}
	return SessionKeys{DevEUI: sess.devEUI, NwkSKey: sess.nwkSKey, AppSKey: sess.appSKey}, true
}

// QueueDownlink queues dl; it is sent after the next uplink of devAddr.
func (s *Server) QueueDownlink(devAddr lorawan.DevAddr, dl Downlink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[devAddr] = append(s.queue[devAddr], dl)
}

// SetDropAcks makes the server stop (or resume) acknowledging PUSH_DATA and
// PULL_DATA.
func (s *Server) SetDropAcks(drop bool) {
	s.dropAcks.Store(drop)
}

// RXPK returns every rxpk received so far.
func (s *Server) RXPK() []gateway.RXPK {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.RXPK(nil), s.rxpk...)
}

// NextFrame waits for the next accepted uplink.
func (s *Server) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// SendDownlink sends dl to devAddr right away.
func (s *Server) SendDownlink(devAddr lorawan.DevAddr, dl Downlink) error {
	s.mu.Lock()
	sess, ok := s.sessions[devAddr]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no session for %s", devAddr)
	}
	phy, err := s.encodeDownlinkLocked(sess, dl, false)
	gw := sess.gateway
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return s.sendPullResp(gw, gateway.TXPK{Freq: 869.525, DatR: gateway.DatR{LoRa: "SF12BW125"}}, phy)
}

func (s *Server) handlePacket(data []byte, addr *net.UDPAddr) {
	var pkt gateway.Packet
	if err := pkt.UnmarshalBinary(data); err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("invalid packet")
		return
	}

	switch pkt.Type {
	case gateway.PushData:
		s.handlePushData(pkt, addr)
	case gateway.PullData:
		s.handlePullData(pkt, addr)
	case gateway.TxAck:
		log.Debug().
			Str("gateway", pkt.EUI.String()).
			Uint16("token", pkt.Token).
			Msg("received TX_ACK")
	default:
		log.Warn().
			Stringer("type", pkt.Type).
			Str("addr", addr.String()).
			Msg("unexpected packet type")
	}
}

func (s *Server) gatewayLocked(eui lorawan.EUI64) *gatewayInfo {
	gw, ok := s.gateways[eui]
	if !ok {
		gw = &gatewayInfo{}
		s.gateways[eui] = gw
	}
	gw.lastSeen = time.Now()
	return gw
}

func (s *Server) ack(token uint16, typ gateway.PacketType, addr *net.UDPAddr) {
	if s.dropAcks.Load() {
		return
	}
	ack := make([]byte, 4)
	ack[0] = gateway.ProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = byte(typ)
	s.conn.WriteToUDP(ack, addr)
}

func (s *Server) handlePullData(pkt gateway.Packet, addr *net.UDPAddr) {
	s.mu.Lock()
	gw := s.gatewayLocked(pkt.EUI)
	gw.pullAddr = addr
	gw.pullToken = pkt.Token
	s.mu.Unlock()

	s.ack(pkt.Token, gateway.PullAck, addr)
}

func (s *Server) handlePushData(pkt gateway.Packet, addr *net.UDPAddr) {
	s.mu.Lock()
	s.gatewayLocked(pkt.EUI).pushAddr = addr
	s.mu.Unlock()

	s.ack(pkt.Token, gateway.PushAck, addr)

	if len(pkt.Body) == 0 {
		return
	}
	var payload gateway.PushDataPayload
	if err := json.Unmarshal(pkt.Body, &payload); err != nil {
		log.Error().Err(err).Msg("parse PUSH_DATA JSON failed")
		return
	}

	for _, rx := range payload.RXPK {
		s.mu.Lock()
		s.rxpk = append(s.rxpk, rx)
		s.mu.Unlock()
		s.handleRXPK(pkt.EUI, rx)
	}
}

func (s *Server) handleRXPK(gwEUI lorawan.EUI64, rx gateway.RXPK) {
	data, err := base64.StdEncoding.DecodeString(rx.Data)
	if err != nil {
		log.Warn().Err(err).Msg("invalid rxpk data")
		return
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(data); err != nil {
		log.Warn().Err(err).Msg("invalid PHYPayload")
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		err = s.handleJoinRequest(gwEUI, rx, phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		err = s.handleDataUp(gwEUI, rx, data)
	default:
		err = fmt.Errorf("%w: unexpected %s", lorawan.ErrMalformedFrame, phy.MHDR.MType)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("gateway", gwEUI.String()).
			Str("class", lorawan.Classify(err)).
			Msg("uplink rejected")
	}
}

func (s *Server) handleJoinRequest(gwEUI lorawan.EUI64, rx gateway.RXPK, phy lorawan.PHYPayload) error {
	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return err
	}

	s.mu.Lock()
	dev, ok := s.devices[jr.DevEUI]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown device %s", lorawan.ErrJoinRejected, jr.DevEUI)
	}

	valid, err := phy.ValidateJoinRequestMIC(dev.AppKey)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: join-request of %s", lorawan.ErrIntegrityFailure, jr.DevEUI)
	}

	s.mu.Lock()
	if s.devNonces[jr.DevEUI][jr.DevNonce] {
		s.mu.Unlock()
		return fmt.Errorf("%w: DevNonce %d of %s already used", lorawan.ErrJoinRejected, jr.DevNonce, jr.DevEUI)
	}
	if s.devNonces[jr.DevEUI] == nil {
		s.devNonces[jr.DevEUI] = make(map[uint16]bool)
	}
	s.devNonces[jr.DevEUI][jr.DevNonce] = true

	s.joinNonce++
	var joinNonce [3]byte
	joinNonce[0] = byte(s.joinNonce)
	joinNonce[1] = byte(s.joinNonce >> 8)
	joinNonce[2] = byte(s.joinNonce >> 16)
	var devAddr lorawan.DevAddr
	binary.BigEndian.PutUint32(devAddr[:], s.nextAddr)
	s.nextAddr++

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(dev.AppKey, joinNonce, s.netID, jr.DevNonce)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for addr, sess := range s.sessions {
		if sess.devEUI == jr.DevEUI {
			delete(s.sessions, addr)
		}
	}
	s.sessions[devAddr] = &session{
		devEUI:  jr.DevEUI,
		devAddr: devAddr,
		nwkSKey: nwkSKey,
		appSKey: appSKey,
		gateway: gwEUI,
	}
	ja := lorawan.JoinAcceptPayload{
		JoinNonce: joinNonce,
		NetID:     s.netID,
		DevAddr:   devAddr,
		RxDelay:   s.RXDelay,
		CFList:    s.CFList,
	}
	s.mu.Unlock()

	accept, err := lorawan.BuildJoinAccept(dev.AppKey, ja)
	if err != nil {
		return err
	}

	log.Info().
		Str("dev_eui", jr.DevEUI.String()).
		Str("dev_addr", devAddr.String()).
		Uint16("dev_nonce", jr.DevNonce).
		Msg("join accepted")

	s.record(Frame{
		MType:    lorawan.JoinRequest,
		DevEUI:   jr.DevEUI,
		DevAddr:  devAddr,
		DevNonce: jr.DevNonce,
		RXPK:     rx,
		Gateway:  gwEUI,
	})
	return s.sendPullResp(gwEUI, gateway.TXPK{Freq: rx.Freq, DatR: rx.DatR}, accept)
}

func (s *Server) handleDataUp(gwEUI lorawan.EUI64, rx gateway.RXPK, data []byte) error {
	phy, err := s.acceptDataUp(gwEUI, rx, data)
	if err != nil || phy == nil {
		return err
	}
	return s.sendPullResp(gwEUI, gateway.TXPK{Freq: rx.Freq, DatR: rx.DatR}, phy)
}

// acceptDataUp verifies an uplink and returns the downlink to send in
// reply, if any.
func (s *Server) acceptDataUp(gwEUI lorawan.EUI64, rx gateway.RXPK, data []byte) ([]byte, error) {
	devAddr, err := peekDevAddr(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[devAddr]
	if !ok {
		return nil, fmt.Errorf("%w: unknown DevAddr %s", lorawan.ErrMalformedFrame, devAddr)
	}

	expand := func(wire uint16) uint32 { return lorawan.GetFullFCnt(sess.fCntUp, wire) }
	phy, mac, fCnt, err := lorawan.DecodeDataFrame(data, sess.nwkSKey, sess.appSKey, expand)
	if err != nil {
		return nil, err
	}
	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataUp
	switch {
	case sess.upSeen && fCnt == sess.fCntUp && confirmed:
		// Retransmission of a confirmed uplink whose ACK was lost.
		return s.encodeDownlinkLocked(sess, Downlink{}, true)
	case sess.upSeen && fCnt <= sess.fCntUp:
		return nil, fmt.Errorf("%w: FCnt %d after %d", lorawan.ErrReplayRejected, fCnt, sess.fCntUp)
	}
	sess.fCntUp = fCnt
	sess.upSeen = true
	sess.gateway = gwEUI

	macBytes := mac.FHDR.FOpts
	var payload []byte
	if mac.FPort != nil && *mac.FPort == 0 {
		macBytes = mac.FRMPayload
	} else {
		payload = mac.FRMPayload
	}
	cmds, err := lorawan.DecodeMACCommands(true, macBytes)
	if err != nil {
		log.Warn().Err(err).Str("dev_addr", devAddr.String()).Msg("decode uplink MAC commands failed")
	}

	s.recordLocked(Frame{
		MType:       phy.MHDR.MType,
		DevEUI:      sess.devEUI,
		DevAddr:     devAddr,
		FCnt:        fCnt,
		FPort:       mac.FPort,
		Payload:     payload,
		ACK:         mac.FHDR.FCtrl.ACK,
		MACCommands: cmds,
		RXPK:        rx,
		Gateway:     gwEUI,
	})

	dl, send := s.nextDownlinkLocked(devAddr, cmds, rx)
	if !send && !confirmed {
		return nil, nil
	}
	return s.encodeDownlinkLocked(sess, dl, confirmed)
}

// nextDownlinkLocked pops the queued downlink of devAddr and adds the
// answers to the uplink MAC requests.
func (s *Server) nextDownlinkLocked(devAddr lorawan.DevAddr, cmds []lorawan.MACCommand, rx gateway.RXPK) (Downlink, bool) {
	var dl Downlink
	send := false
	if q := s.queue[devAddr]; len(q) > 0 {
		dl = q[0]
		s.queue[devAddr] = q[1:]
		send = true
	}

	for _, cmd := range cmds {
		switch cmd.(type) {
		case *lorawan.LinkCheckReq:
			margin := rx.LSNR + 20
			if margin < 0 {
				margin = 0
			}
			dl.MACCommands = append(dl.MACCommands, &lorawan.LinkCheckAns{Margin: uint8(margin), GwCnt: 1})
			send = true
		case *lorawan.DeviceTimeReq:
			gps := time.Since(gpsEpoch)
			dl.MACCommands = append(dl.MACCommands, &lorawan.DeviceTimeAns{
				Seconds:  uint32(gps / time.Second),
				Fraction: uint8((gps % time.Second) * 256 / time.Second),
			})
			send = true
		default:
			log.Debug().
				Str("dev_addr", devAddr.String()).
				Uint8("cid", uint8(cmd.CID())).
				Msg("MAC answer received")
		}
	}
	return dl, send
}

var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

func (s *Server) encodeDownlinkLocked(sess *session, dl Downlink, ack bool) ([]byte, error) {
	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: sess.devAddr,
			FCtrl:   lorawan.FCtrl{ACK: ack},
			FCnt:    uint16(sess.fCntDown),
		},
		FPort:      dl.FPort,
		FRMPayload: dl.Payload,
	}

	cmds := lorawan.EncodeMACCommands(dl.MACCommands)
	if dl.FPort != nil && *dl.FPort == 0 {
		mac.FRMPayload = cmds
	} else {
		mac.FHDR.FOpts = cmds
	}

	mtype := lorawan.UnconfirmedDataDown
	if dl.Confirmed {
		mtype = lorawan.ConfirmedDataDown
	}

	phy, err := lorawan.EncodeDataFrame(mtype, mac, sess.fCntDown, sess.nwkSKey, sess.appSKey)
	if err != nil {
		return nil, err
	}
	sess.fCntDown++
	return phy, nil
}

func (s *Server) sendPullResp(gwEUI lorawan.EUI64, tx gateway.TXPK, phy []byte) error {
	s.mu.Lock()
	gw, ok := s.gateways[gwEUI]
	var addr *net.UDPAddr
	var token uint16
	if ok {
		addr, token = gw.pullAddr, gw.pullToken
	}
	s.mu.Unlock()

	if addr == nil {
		return fmt.Errorf("gateway %s has no PULL address", gwEUI)
	}

	tx.Imme = true
	tx.Modu = "LORA"
	tx.CodR = "4/5"
	tx.Powe = 14
	tx.IPol = true
	tx.Size = len(phy)
	tx.Data = base64.StdEncoding.EncodeToString(phy)

	body, err := json.Marshal(gateway.PullRespPayload{TXPK: tx})
	if err != nil {
		return err
	}
	b, err := gateway.Packet{Token: token, Type: gateway.PullResp, Body: body}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, addr)
	return err
}

func (s *Server) record(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(f)
}

func (s *Server) recordLocked(f Frame) {
	select {
	case s.frames <- f:
	default:
		log.Warn().Str("dev_eui", f.DevEUI.String()).Msg("frame buffer full")
	}
}

// peekDevAddr reads the DevAddr of a data frame before its session is known.
func peekDevAddr(data []byte) (lorawan.DevAddr, error) {
	if len(data) < 12 {
		return lorawan.DevAddr{}, fmt.Errorf("%w: data frame of %d bytes", lorawan.ErrMalformedFrame, len(data))
	}
	return lorawan.DevAddr{data[4], data[3], data[2], data[1]}, nil
}
