// This package is a pure golang client for the Exosite CoAP cloud platform
package coapcloud

import (
	"math/rand"

	log "github.com/sirupsen/logrus"
)

const CIK_LENGTH = 40

// CoAP datagrams up to the usual 576 byte path MTU assumption
const PDU_BUFFER_SIZE = 576

const (
	REQUEST_TIMEOUT_US      uint64 = 4000000
	RESUBSCRIBE_INTERVAL_US uint64 = 120000000
)

type DeviceState uint8

const (
	STATE_UNINITIALIZED DeviceState = iota
	STATE_INITIALIZED
	STATE_GOOD
	STATE_BAD_CIK
)

type OpType uint8

const (
	OP_NULL OpType = iota
	OP_WRITE
	OP_READ
	OP_SUBSCRIBE
	OP_ACTIVATE
)

type OpState uint8

const (
	REQUEST_NULL OpState = iota
	REQUEST_NEW
	REQUEST_PENDING
	REQUEST_SUBSCRIBED
	REQUEST_SUB_ACK
	REQUEST_SUB_ACK_NEW
	REQUEST_SUCCESS
	REQUEST_ERROR
)

// Result of one Operate tick
type Status uint8

const (
	STATUS_IDLE    Status = iota // nothing queued, nothing in flight
	STATUS_WAITING               // at least one round trip outstanding
	STATUS_BUSY                  // requests still waiting to be built or sent
	STATUS_ERROR                 // device not initialized
)

// One operation slot. Slots are owned by the caller and handed to
// Operate as a slice; the engine advances their state on every tick.
// A slot is reusable after Done.
type Op struct {
	token    uint64
	timeout  uint64
	obsSeq   uint32
	alias    string
	value    []byte // result buffer for read & subscribe, engine NUL terminates
	writeVal string // outgoing value for write
	opType   OpType
	state    OpState
	mid      uint16
	tkl      uint8
	retries  uint8
}

// Reset the slot to an empty one
func (op *Op) Init() {
	op.opType = OP_NULL
	op.state = REQUEST_NULL
	op.alias = ""
	op.value = nil
	op.writeVal = ""
	op.mid = 0
	op.token = 0
	op.tkl = 0
	op.obsSeq = 0
	op.timeout = 0
	op.retries = 0
}

// Finalize a finished slot. Write and read slots become empty again,
// a subscribe slot stays subscribed so notifications keep arriving.
func (op *Op) Done() {
	if op.IsSubscribe() {
		op.state = REQUEST_SUBSCRIBED
	} else {
		op.Init()
	}
}

// Queue a write of value to the given alias
func (op *Op) Write(alias string, value string) {
	op.opType = OP_WRITE
	op.state = REQUEST_NEW
	op.alias = alias
	op.value = nil
	op.writeVal = value
	op.mid = 0
}

// Queue a one shot read of the given alias. The result is copied into
// value, NUL terminated; value must outlive the operation.
func (op *Op) Read(alias string, value []byte) {
	op.opType = OP_READ
	op.state = REQUEST_NEW
	op.alias = alias
	op.value = value
	op.writeVal = ""
	op.mid = 0
}

// Subscribe to the given alias. The slot delivers the current value
// first and then every change, each exposed as a Success state.
func (op *Op) Subscribe(alias string, value []byte) {
	op.opType = OP_SUBSCRIBE
	op.state = REQUEST_NEW
	op.alias = alias
	op.value = value
	op.writeVal = ""
	op.mid = 0
}

// Engine internal, activation requests are installed by Operate
func (op *Op) activate() {
	op.opType = OP_ACTIVATE
	op.state = REQUEST_NEW
	op.alias = ""
	op.value = nil
	op.writeVal = ""
	op.mid = 0
}

func (op *Op) IsValid() bool {
	return op.opType != OP_NULL
}

func (op *Op) IsSuccess() bool {
	return op.state == REQUEST_SUCCESS
}

func (op *Op) IsFinished() bool {
	return op.state == REQUEST_SUCCESS || op.state == REQUEST_ERROR
}

func (op *Op) IsRead() bool {
	return op.opType == OP_READ
}

func (op *Op) IsWrite() bool {
	return op.opType == OP_WRITE
}

func (op *Op) IsSubscribe() bool {
	return op.opType == OP_SUBSCRIBE
}

func (op *Op) Alias() string {
	return op.alias
}

// The operation value : for writes the queued text, for reads and
// subscriptions the last delivered result
func (op *Op) Value() string {
	if op.opType == OP_WRITE {
		return op.writeVal
	}
	if op.value == nil {
		return ""
	}
	for i, b := range op.value {
		if b == 0 {
			return string(op.value[:i])
		}
	}
	return string(op.value)
}

// Copy a response payload into the slot's result buffer with a
// terminating NUL. An empty payload clears the buffer reference.
// Returns false when the payload does not fit.
func (op *Op) storePayload(payload []byte) bool {
	if len(payload) == 0 {
		op.value = nil
		return true
	}
	if op.value == nil || len(payload)+1 > len(op.value) {
		return false
	}
	copy(op.value, payload)
	op.value[len(payload)] = 0
	return true
}

// A Device is one client of the platform : one UDP socket, one CIK,
// one identity. All processing happens inside Operate; nothing blocks
// and no goroutines are started, the caller polls at its own cadence.
type Device struct {
	pal        Pal
	state      DeviceState
	cik        [CIK_LENGTH]byte
	vendor     string
	model      string
	serial     string
	midCounter uint16
	rng        *rand.Rand
	rxBuf      [PDU_BUFFER_SIZE]byte
	txBuf      [PDU_BUFFER_SIZE]byte
}

func NewDevice(pal Pal) *Device {
	return &Device{pal: pal}
}

// Initialize the device : platform setup, CIK retrieval (a missing CIK
// is not an error, the engine will activate), socket creation. Must be
// called before Operate.
func (device *Device) Init(vendor string, model string, serial string) error {
	device.state = STATE_UNINITIALIZED

	if err := device.pal.Init(); err != nil {
		log.Errorf("[ENGINE] platform init failed : %v", err)
		return ErrFatalPal
	}

	device.rng = rand.New(rand.NewSource(int64(device.pal.GetTime())))
	device.midCounter = uint16(device.rng.Intn(0x10000))
	device.vendor = vendor
	device.model = model
	device.serial = serial

	device.cik = [CIK_LENGTH]byte{}
	err := device.pal.RetrieveCik(device.cik[:])
	if err == ErrNoCik {
		log.Infof("[ENGINE] no stored CIK, will activate as %v/%v/%v", vendor, model, serial)
	} else if err != nil {
		log.Errorf("[ENGINE] CIK retrieval failed : %v", err)
		return ErrFatalPal
	} else if !isAsciiHex(device.cik[:]) {
		log.Warnf("[ENGINE] stored CIK is not 40 hex characters, using it anyway")
	}

	if err := device.pal.UdpSock(); err != nil {
		log.Errorf("[ENGINE] socket creation failed : %v", err)
		return ErrFatalPal
	}

	device.state = STATE_INITIALIZED
	log.Infof("[ENGINE] initialized device %v/%v/%v", vendor, model, serial)
	return nil
}

func (device *Device) State() DeviceState {
	return device.state
}

// Perform the queued operations. Drains waiting datagrams first, then
// advances every slot : builds and sends new requests, expires pending
// ones, acknowledges observe notifications. Returns STATUS_BUSY while
// there is still work for the next tick, STATUS_WAITING while round
// trips are outstanding, STATUS_IDLE otherwise. Callers typically loop
// until idle and then sleep.
func (device *Device) Operate(ops []*Op) Status {
	switch device.state {
	case STATE_UNINITIALIZED:
		return STATUS_ERROR
	case STATE_INITIALIZED, STATE_BAD_CIK:
		// Reserve slot 0 for the activation exchange
		if len(ops) > 0 && ops[0].state == REQUEST_NULL && ops[0].timeout == 0 {
			ops[0].activate()
		}
	}

	device.processWaitingDatagrams(ops)
	device.processActiveOps(ops)

	for _, op := range ops {
		if op.state == REQUEST_NEW {
			return STATUS_BUSY
		}
	}
	for _, op := range ops {
		if op.state == REQUEST_PENDING {
			return STATUS_WAITING
		}
	}
	return STATUS_IDLE
}

// Drain the socket and correlate each datagram to a slot : pending
// requests by message id, live subscriptions by token.
func (device *Device) processWaitingDatagrams(ops []*Op) {
	pdu := NewPdu(device.rxBuf[:])

	for {
		n, err := device.pal.UdpRecv(pdu.buf)
		if err != nil {
			return
		}
		pdu.SetLen(n)
		if ret := pdu.Validate(); ret != COAP_ERR_NONE {
			log.Debugf("[ENGINE][RX] dropping invalid datagram : %v", ret)
			continue
		}

		matched := false
		for _, op := range ops {
			switch op.opType {
			case OP_WRITE:
				if op.state == REQUEST_PENDING && op.mid == pdu.GetMid() {
					device.handleWriteResponse(op, pdu)
					matched = true
				}
			case OP_READ:
				if op.state == REQUEST_PENDING && op.mid == pdu.GetMid() {
					device.handleReadResponse(op, pdu)
					matched = true
				}
			case OP_SUBSCRIBE:
				if op.state == REQUEST_PENDING && op.mid == pdu.GetMid() {
					device.handleSubscribeResponse(op, pdu)
					matched = true
				} else if op.state == REQUEST_SUBSCRIBED &&
					op.token == pdu.GetToken() && op.tkl == pdu.GetTkl() {
					device.handleNotification(op, pdu)
					matched = true
				}
			case OP_ACTIVATE:
				if op.state == REQUEST_PENDING && op.mid == pdu.GetMid() {
					device.handleActivateResponse(op, pdu)
					matched = true
				}
			}
			if matched {
				break
			}
		}

		if !matched {
			if pdu.GetType() == CT_CON {
				// Unsolicited confirmable message, reject it
				log.Debugf("[ENGINE][RX] RST for unknown CON, mid x%x", pdu.GetMid())
				rst := NewPdu(device.txBuf[:])
				device.buildMsgRst(rst, pdu.GetMid(), pdu.GetToken(), pdu.GetTkl())
				// best effort, nothing to do if the send fails
				device.pal.UdpSend(rst.Bytes())
			}
		}
	}
}

func (device *Device) handleWriteResponse(op *Op, pdu *Pdu) {
	if pdu.GetCodeClass() == 2 {
		log.Debugf("[ENGINE][RX] write '%v' ok", op.alias)
		op.state = REQUEST_SUCCESS
		return
	}
	log.Debugf("[ENGINE][RX] write '%v' rejected : %v.%02d", op.alias, pdu.GetCodeClass(), pdu.GetCodeDetail())
	op.state = REQUEST_ERROR
	if pdu.GetCode() == CC_UNAUTHORIZED {
		device.state = STATE_BAD_CIK
	}
}

func (device *Device) handleReadResponse(op *Op, pdu *Pdu) {
	if pdu.GetCodeClass() != 2 {
		log.Debugf("[ENGINE][RX] read '%v' rejected : %v.%02d", op.alias, pdu.GetCodeClass(), pdu.GetCodeDetail())
		op.state = REQUEST_ERROR
		if pdu.GetCode() == CC_UNAUTHORIZED {
			device.state = STATE_BAD_CIK
		}
		return
	}
	if op.storePayload(pdu.GetPayload().Val) {
		op.state = REQUEST_SUCCESS
	} else {
		op.state = REQUEST_ERROR
	}
}

// Initial response to an observe registration, same copy rules as a
// read plus arming the re-registration timer
func (device *Device) handleSubscribeResponse(op *Op, pdu *Pdu) {
	if pdu.GetCodeClass() != 2 {
		log.Debugf("[ENGINE][RX] subscribe '%v' rejected : %v.%02d", op.alias, pdu.GetCodeClass(), pdu.GetCodeDetail())
		op.state = REQUEST_ERROR
		if pdu.GetCode() == CC_UNAUTHORIZED {
			device.state = STATE_BAD_CIK
		}
		return
	}
	if op.storePayload(pdu.GetPayload().Val) {
		op.state = REQUEST_SUCCESS
		if opt, ret := pdu.GetOptionByNum(CON_OBSERVE, 0); ret == COAP_ERR_NONE {
			op.obsSeq = observeSeq(opt)
		}
		op.timeout = device.pal.GetTime() + RESUBSCRIBE_INTERVAL_US + device.jitter()
	} else {
		op.state = REQUEST_ERROR
	}
}

// Server push on a live subscription. The notification carries the
// registration token and a fresh mid which must be acknowledged.
func (device *Device) handleNotification(op *Op, pdu *Pdu) {
	newSeq := uint32(0)
	if opt, ret := pdu.GetOptionByNum(CON_OBSERVE, 0); ret == COAP_ERR_NONE {
		newSeq = observeSeq(opt)
	}
	if !op.storePayload(pdu.GetPayload().Val) {
		op.state = REQUEST_ERROR
		return
	}
	op.mid = pdu.GetMid()
	if op.obsSeq != newSeq {
		log.Debugf("[ENGINE][RX] notification for '%v', seq %v", op.alias, newSeq)
		op.state = REQUEST_SUB_ACK_NEW
		op.obsSeq = newSeq
	} else {
		// Same sequence number, a silent refresh
		op.state = REQUEST_SUB_ACK
	}
}

func (device *Device) handleActivateResponse(op *Op, pdu *Pdu) {
	if pdu.GetCodeClass() == 2 {
		payload := pdu.GetPayload()
		if len(payload.Val) == CIK_LENGTH && isAsciiHex(payload.Val) {
			copy(device.cik[:], payload.Val)
			op.state = REQUEST_SUCCESS
			if err := device.pal.StoreCik(device.cik[:]); err != nil {
				log.Warnf("[ENGINE] could not persist CIK : %v", err)
			}
			device.state = STATE_GOOD
			log.Infof("[ENGINE] device activated")
		} else {
			log.Warnf("[ENGINE] malformed activation payload, %v bytes", len(payload.Val))
			op.state = REQUEST_ERROR
			device.state = STATE_GOOD
		}
	} else {
		// May or may not be an error, might just already be activated
		log.Infof("[ENGINE] activation rejected (%v.%02d), assuming already activated", pdu.GetCodeClass(), pdu.GetCodeDetail())
		op.state = REQUEST_ERROR
		device.state = STATE_GOOD
	}

	// The activation slot goes back to the pool either way
	op.Init()
}

// Walk every slot : send new requests, expire pending ones, ack
// notifications
func (device *Device) processActiveOps(ops []*Op) {
	now := device.pal.GetTime()
	pdu := NewPdu(device.txBuf[:])

	for _, op := range ops {
		switch op.state {
		case REQUEST_NEW:
			var err error
			switch op.opType {
			case OP_READ:
				err = device.buildMsgRead(pdu, op.alias)
			case OP_SUBSCRIBE:
				err = device.buildMsgObserve(pdu, op.alias)
			case OP_WRITE:
				err = device.buildMsgWrite(pdu, op.alias, op.writeVal)
			case OP_ACTIVATE:
				err = device.buildMsgActivate(pdu)
			default:
				op.opType = OP_NULL
				continue
			}
			if err != nil {
				log.Errorf("[ENGINE][TX] could not build request for '%v' : %v", op.alias, err)
				op.state = REQUEST_ERROR
				continue
			}
			if device.pal.UdpSend(pdu.Bytes()) == nil {
				log.Debugf("[ENGINE][TX] sent request for '%v', mid x%x", op.alias, pdu.GetMid())
				op.state = REQUEST_PENDING
				op.timeout = device.pal.GetTime() + REQUEST_TIMEOUT_US
				op.mid = pdu.GetMid()
				op.token = pdu.GetToken()
				op.tkl = pdu.GetTkl()
			}
			// On send failure the slot stays new and retries next tick

		case REQUEST_PENDING, REQUEST_SUBSCRIBED:
			if op.timeout <= now {
				switch op.opType {
				case OP_READ, OP_WRITE:
					log.Debugf("[ENGINE] request for '%v' timed out", op.alias)
					op.state = REQUEST_ERROR
				case OP_SUBSCRIBE, OP_ACTIVATE:
					// Force a new registration / activation attempt
					op.state = REQUEST_NEW
				}
			}

		case REQUEST_SUB_ACK, REQUEST_SUB_ACK_NEW:
			device.buildMsgAck(pdu, op.mid)
			if device.pal.UdpSend(pdu.Bytes()) == nil {
				if op.state == REQUEST_SUB_ACK {
					op.state = REQUEST_SUBSCRIBED
				} else {
					op.state = REQUEST_SUCCESS
				}
				// TODO: this should track the Max-Age option instead
				// of assuming the platform's 120 s refresh interval
				op.timeout = device.pal.GetTime() + RESUBSCRIBE_INTERVAL_US + device.jitter()
			}
		}
	}
}

func (device *Device) jitter() uint64 {
	return uint64(device.rng.Intn(15)) * 100000
}

// Observe sequence numbers are 24 bit big endian
func observeSeq(opt CoapOption) uint32 {
	seq := uint32(0)
	for _, b := range opt.Val {
		seq = seq<<8 | uint32(b)
	}
	return seq & 0xFFFFFF
}

func isAsciiHex(str []byte) bool {
	for _, c := range str {
		if !((c >= 'a' && c <= 'f') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
