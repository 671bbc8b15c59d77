package session

import (
	"github.com/lanthing-oss/rtc2/dtls"
)

// NewHost builds a Connection configured for the host role: the side that
// captures and sends video/audio and receives reliable input/data, playing
// the DTLS server once nominated. This mirrors the original lanthing
// host/client split (app/src/host vs app/src/client in the original
// source), collapsed here into one Params.DTLSRole knob rather than two
// separate constructors' worth of duplicated wiring.
func NewHost(params Params) (*Connection, error) {
	params.DTLSRole = dtls.RoleServer
	return Create(params)
}

// NewViewer builds a Connection configured for the viewer role: the side
// that receives video/audio and sends reliable input/data, playing the
// DTLS client once nominated.
func NewViewer(params Params) (*Connection, error) {
	params.DTLSRole = dtls.RoleClient
	return Create(params)
}
