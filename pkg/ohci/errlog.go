package ohci

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/internal/ratelog"
)

// rateLogger is a thin alias so this package's call sites read
// `c.errLog.Printf(...)` without repeating the rate.Limit type at every
// construction site. Unsupported-descriptor errors are logged at a
// reduced rate so a misbehaving guest can't flood the log.
type rateLogger = ratelog.Logger

func newRateLogger(prefix string) *rateLogger {
	return ratelog.New(prefix, rate.Every(time.Second), 1)
}
