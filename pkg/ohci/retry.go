package ohci

import (
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// shouldRetry implements OHCI's error retry policy: isochronous transfers
// and STALL never retry; a cancellation observed at error time always
// retires; otherwise the frozen copy's error counter is incremented and
// the URB retries until it reaches TD_ERRORS_MAX-1.
func shouldRetry(u *urb.URB, comp vusb.Completion, canceled bool) bool {
	if u.Type == urb.TypeIsochronous {
		return false
	}
	if comp.Status == vusb.StatusStall {
		return false
	}
	if canceled {
		return false
	}
	if comp.Status == vusb.StatusOK {
		return false
	}

	u.ErrorCount++
	return u.ErrorCount < tdErrorsMax-1
}
