package coapcloud

import "errors"

var (
	ErrIllegalArgument = errors.New("Error in function arguments")
	ErrGeneral         = errors.New("Request message could not be built, buffer too small")
	ErrOutOfSpace      = errors.New("Not enough room in the supplied buffer")
	ErrFatalPal        = errors.New("Platform layer initialization failed")
	ErrNoData          = errors.New("No datagram waiting on the socket")
	ErrNoCik           = errors.New("No CIK in persistent storage yet. Device will activate itself.")
	ErrCikLength       = errors.New("A CIK is exactly 40 bytes")
	ErrCikFormat       = errors.New("A CIK is 40 lowercase hex characters")
	ErrNotReady        = errors.New("Device not initialized")
)
