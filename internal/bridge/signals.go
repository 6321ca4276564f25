package bridge

import (
	"os"

	"github.com/apex/log"
)

var signalLogTags = log.Fields{"module": "bridge", "component": "signals"}

// HandleSignals waits for the first signal on sigs and runs stop. A second
// signal before stop returns exits immediately with ExitCanceled, e.g. when
// an unsubscribe request hangs. exit is expected not to return.
func HandleSignals(sigs <-chan os.Signal, stop func() error, exit func(code int)) {
	sig := <-sigs
	log.WithFields(signalLogTags).WithField("signal", sig.String()).Info("unsubscribing")

	stopped, err := StopOrForceExit(sigs, stop, exit)
	if !stopped {
		return
	}
	if err != nil {
		log.WithError(err).WithFields(signalLogTags).Error("shutdown failed")
		exit(ExitError)
		return
	}
	exit(ExitOK)
}

// StopOrForceExit runs stop and waits for it. A signal on sigs before stop
// returns calls exit with ExitCanceled instead; stopped is false then.
func StopOrForceExit(sigs <-chan os.Signal, stop func() error, exit func(code int)) (stopped bool, err error) {
	done := make(chan error, 1)
	go func() { done <- stop() }()

	select {
	case err := <-done:
		return true, err
	case sig := <-sigs:
		log.WithFields(signalLogTags).WithField("signal", sig.String()).Warn("forcing exit")
		exit(ExitCanceled)
		return false, nil
	}
}
