//go:build !linux

package daemon

import (
	"fmt"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/transport"
)

func (d *Daemon) newAFPacket(map[string]any) (transport.Transport, error) {
	return nil, fmt.Errorf("afpacket transport requires linux: %w", core.ErrConfigInvalid)
}
