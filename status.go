package usbip

import (
	"golang.org/x/sys/unix"

	"github.com/daedaluz/gousbip/usbmon"
)

// Wire statuses are negated Linux errnos; 0 is success.
const (
	StatusSuccess   = int32(0)
	StatusConnReset = -int32(unix.ECONNRESET)
)

// statusFromXfer maps a driver completion code to the wire status. The
// map is deliberately coarse; anything the driver reports that has no
// direct errno becomes -EPROTO.
func statusFromXfer(s usbmon.XferStatus) int32 {
	switch s {
	case usbmon.XferOK:
		return StatusSuccess
	case usbmon.XferStall:
		return -int32(unix.EPIPE)
	case usbmon.XferDNR:
		return -int32(unix.ETIME)
	case usbmon.XferCRC:
		return -int32(unix.EILSEQ)
	case usbmon.XferDataOverrun:
		return -int32(unix.EOVERFLOW)
	case usbmon.XferDataUnderrun:
		return -int32(unix.EREMOTEIO)
	case usbmon.XferDisconnected:
		return -int32(unix.ENODEV)
	}
	return -int32(unix.EPROTO)
}
