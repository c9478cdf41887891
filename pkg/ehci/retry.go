package ehci

import (
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// shouldRetry implements EHCI's error retry policy: isochronous
// transfers and STALL never retry; otherwise the qTD's own 2-bit error
// counter (Cerr) is decremented and the transfer retires once it
// reaches zero, mirroring real EHCI hardware's own retry mechanism
// rather than OHCI's software-visible counter.
func shouldRetry(u *urb.URB, comp vusb.Completion, canceled bool, cerr uint32) (retry bool, newCerr uint32) {
	if u.Type == urb.TypeIsochronous {
		return false, cerr
	}
	if comp.Status == vusb.StatusStall {
		return false, cerr
	}
	if canceled {
		return false, cerr
	}
	if comp.Status == vusb.StatusOK {
		return false, cerr
	}

	if cerr > 0 {
		cerr--
	}
	return cerr > 0, cerr
}
