package coapcloud

import (
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Platform layer for hosted targets : a connected UDP socket via the
// net package, the CIK persisted to a file, monotonic time from
// process start.
type UdpPal struct {
	host    string
	port    uint16
	cikPath string
	conn    net.Conn
	start   time.Time
}

func NewUdpPal(config *Config) *UdpPal {
	return &UdpPal{
		host:    config.Host,
		port:    config.Port,
		cikPath: config.CikPath,
	}
}

func (pal *UdpPal) Init() error {
	pal.start = time.Now()
	return nil
}

func (pal *UdpPal) UdpSock() error {
	conn, err := net.Dial("udp", net.JoinHostPort(pal.host, fmt.Sprint(pal.port)))
	if err != nil {
		log.Errorf("[PAL] could not open socket to %v:%v : %v", pal.host, pal.port, err)
		return err
	}
	pal.conn = conn
	return nil
}

func (pal *UdpPal) UdpSend(buf []byte) error {
	if pal.conn == nil {
		return ErrNotReady
	}
	_, err := pal.conn.Write(buf)
	return err
}

func (pal *UdpPal) UdpRecv(buf []byte) (int, error) {
	if pal.conn == nil {
		return 0, ErrNotReady
	}
	// A deadline in the past makes the read non blocking
	pal.conn.SetReadDeadline(time.Now())
	n, err := pal.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, ErrNoData
		}
		return 0, err
	}
	return n, nil
}

func (pal *UdpPal) StoreCik(cik []byte) error {
	if len(cik) != CIK_LENGTH {
		return ErrCikLength
	}
	return os.WriteFile(pal.cikPath, cik, 0600)
}

func (pal *UdpPal) RetrieveCik(out []byte) error {
	data, err := os.ReadFile(pal.cikPath)
	if os.IsNotExist(err) {
		return ErrNoCik
	}
	if err != nil {
		return err
	}
	if len(data) < CIK_LENGTH {
		return ErrCikLength
	}
	copy(out, data[:CIK_LENGTH])
	return nil
}

func (pal *UdpPal) GetTime() uint64 {
	return uint64(time.Since(pal.start).Microseconds())
}

func (pal *UdpPal) SetTime(us uint64) {
}
