package safe

import (
	"WorkChat/logger"
)

// Go starts a goroutine that recovers from panic, so a bad handler
// cannot take down the whole process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// Run invokes f inline with the same recover guard. Used by actor loops
// so one poisonous message does not kill the mailbox goroutine.
func Run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[safe.Run] panic recovered: %v", r)
		}
	}()
	f()
}
