package coapcloud

// Request builders. Each one writes a complete PDU into the supplied
// view. Codec failures are collapsed into ErrGeneral : with the engine
// buffer size any failure means the buffer is too small, which is a
// programming error here, not a runtime condition.

// Fresh message id, incremented per outbound request, wrap is fine
func (device *Device) nextMid() uint16 {
	mid := device.midCounter
	device.midCounter++
	return mid
}

// Fresh 2 byte pseudo random token
func (device *Device) freshToken() uint64 {
	return uint64(device.rng.Intn(0x10000))
}

const TOKEN_LENGTH = 2

// POST provision/activate/{vendor}/{model}/{serial}, no CIK
func (device *Device) buildMsgActivate(pdu *Pdu) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_CON)
	ret |= pdu.SetCode(CC_POST)
	ret |= pdu.SetMid(device.nextMid())
	ret |= pdu.SetToken(device.freshToken(), TOKEN_LENGTH)
	ret |= pdu.AddOption(CON_URI_PATH, []byte("provision"))
	ret |= pdu.AddOption(CON_URI_PATH, []byte("activate"))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(device.vendor))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(device.model))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(device.serial))

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}

// GET 1a/{alias}?{cik}
func (device *Device) buildMsgRead(pdu *Pdu, alias string) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_CON)
	ret |= pdu.SetCode(CC_GET)
	ret |= pdu.SetMid(device.nextMid())
	ret |= pdu.SetToken(device.freshToken(), TOKEN_LENGTH)
	ret |= pdu.AddOption(CON_URI_PATH, []byte("1a"))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(alias))
	ret |= pdu.AddOption(CON_URI_QUERY, device.cik[:])

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}

// As a read plus an Observe register option
func (device *Device) buildMsgObserve(pdu *Pdu, alias string) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_CON)
	ret |= pdu.SetCode(CC_GET)
	ret |= pdu.SetMid(device.nextMid())
	ret |= pdu.SetToken(device.freshToken(), TOKEN_LENGTH)
	ret |= pdu.AddOption(CON_OBSERVE, []byte{0})
	ret |= pdu.AddOption(CON_URI_PATH, []byte("1a"))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(alias))
	ret |= pdu.AddOption(CON_URI_QUERY, device.cik[:])

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}

// POST 1a/{alias}?{cik} with the value as raw payload
func (device *Device) buildMsgWrite(pdu *Pdu, alias string, value string) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_CON)
	ret |= pdu.SetCode(CC_POST)
	ret |= pdu.SetMid(device.nextMid())
	ret |= pdu.SetToken(device.freshToken(), TOKEN_LENGTH)
	ret |= pdu.AddOption(CON_URI_PATH, []byte("1a"))
	ret |= pdu.AddOption(CON_URI_PATH, []byte(alias))
	ret |= pdu.AddOption(CON_URI_QUERY, device.cik[:])
	ret |= pdu.SetPayload([]byte(value))

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}

// Empty ACK for an observe notification
func (device *Device) buildMsgAck(pdu *Pdu, mid uint16) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_ACK)
	ret |= pdu.SetCode(CC_EMPTY)
	ret |= pdu.SetMid(mid)

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}

// RST echoing the mid and token of an unsolicited message
func (device *Device) buildMsgRst(pdu *Pdu, mid uint16, token uint64, tkl uint8) error {
	ret := pdu.Init()
	ret |= pdu.SetVersion(COAP_V1)
	ret |= pdu.SetType(CT_RST)
	ret |= pdu.SetCode(CC_EMPTY)
	ret |= pdu.SetMid(mid)
	ret |= pdu.SetToken(token, tkl)

	if ret != COAP_ERR_NONE {
		return ErrGeneral
	}
	return nil
}
