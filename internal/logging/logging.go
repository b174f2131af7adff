// Package logging is a minimal Infof/Errorf/Debugf logger, in the shape of
// thelolagemann-gomeboy's pkg/log, used for save-RAM I/O failures and
// cartridge load diagnostics. It never gates emulation flow.
package logging

import "fmt"

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type stdLogger struct {
	debug bool
}

// New returns a Logger that writes to stdout. debug controls whether Debugf
// lines are emitted at all.
func New(debug bool) Logger { return &stdLogger{debug: debug} }

func (l *stdLogger) Infof(format string, args ...interface{}) {
	fmt.Printf("[INFO]\t"+format+"\n", args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	fmt.Printf("[ERROR]\t"+format+"\n", args...)
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	fmt.Printf("[DEBUG]\t"+format+"\n", args...)
}

type nullLogger struct{}

// Null returns a Logger that discards everything, for tests.
func Null() Logger { return nullLogger{} }

func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{}) {}
