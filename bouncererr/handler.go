package bouncererr

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/nyxmail/bouncer/logger"
)

// ErrorHandler collects fatal startup/runtime errors from goroutines
// spawned by a cmd/bouncer-* main and lets the main block on the first
// one, so a single failing subsystem can trigger a clean process exit
// instead of silently limping.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

// NewErrorHandler returns a handler ready to receive fatal errors.
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

// FatalError logs operation's failure and requests process exit with
// code 1. Only the first call across the handler's lifetime is observed
// by WaitForExit; later calls are dropped.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewGracefulError(operation, err))
	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ConfigError logs a configuration load/parse failure and requests exit.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ValidationError logs an invalid configuration field and requests exit.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// WaitForExit blocks until a fatal error is reported and returns the
// exit code to use.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// WaitForExitWithTimeout blocks until a fatal error is reported or
// timeout elapses, whichever comes first.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (code int, reported bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Shutdown logs whether ctx was cancelled as part of an expected
// shutdown sequence or unexpectedly.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown initiated")
	default:
		logger.Warn("unexpected shutdown")
	}
}
