package ehci

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/internal/ratelog"
)

// rateLogger matches ohci's alias: sITD/unsupported-descriptor errors are
// logged at a reduced rate so a misbehaving guest can't flood the log.
type rateLogger = ratelog.Logger

func newRateLogger(prefix string) *rateLogger {
	return ratelog.New(prefix, rate.Every(time.Second), 1)
}
