// Package core defines sentinel errors.
package core

import "errors"

var (
	// Packet parsing errors
	ErrPacketTooShort   = errors.New("strix: packet too short")
	ErrUnsupportedProto = errors.New("strix: unsupported protocol")
	ErrHeaderLength     = errors.New("strix: header length mismatch")

	// Switch fabric errors
	ErrMaskExhausted = errors.New("strix: port mask exhausted")
	ErrPortClosed    = errors.New("strix: port closed")

	// Pool errors
	ErrPoolExhausted = errors.New("strix: packet pool exhausted")
	ErrBufferBounds  = errors.New("strix: write outside buffer bounds")

	// Plugin errors
	ErrPluginNotFound   = errors.New("strix: plugin not found")
	ErrPluginInitFailed = errors.New("strix: plugin init failed")

	// Router errors
	ErrRouteInvalid = errors.New("strix: invalid route entry")

	// Transport errors
	ErrTransportClosed = errors.New("strix: transport closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("strix: invalid configuration")
)
