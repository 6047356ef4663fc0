// Package logflags configures logging for the probe engine. Each layer of
// the engine has its own flag; logging for a layer is disabled unless its
// flag was passed to Setup.
package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var patcher = false
var dispatch = false
var registry = false
var optimizer = false
var machine = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	lg := logrus.New()
	lg.Formatter = &logrus.TextFormatter{DisableColors: true}
	if logOut != nil {
		lg.Out = logOut
	} else {
		lg.Out = os.Stderr
	}
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.PanicLevel
	}
	return lg.WithFields(fields)
}

// Patcher returns true if the code patcher should log the patch protocol.
func Patcher() bool {
	return patcher
}

// PatcherLogger returns a configured logger for the code patcher.
func PatcherLogger() *logrus.Entry {
	return makeLogger(patcher, logrus.Fields{"layer": "patcher"})
}

// Dispatch returns true if trap dispatch should be logged. This is very
// verbose: one line per trap.
func Dispatch() bool {
	return dispatch
}

// DispatchLogger returns a configured logger for the trap dispatcher.
func DispatchLogger() *logrus.Entry {
	return makeLogger(dispatch, logrus.Fields{"layer": "dispatch"})
}

// Registry returns true if probe registration/unregistration should be
// logged.
func Registry() bool {
	return registry
}

// RegistryLogger returns a configured logger for the probe registry.
func RegistryLogger() *logrus.Entry {
	return makeLogger(registry, logrus.Fields{"layer": "registry"})
}

// Optimizer returns true if the jump optimizer should log its decisions.
func Optimizer() bool {
	return optimizer
}

// OptimizerLogger returns a configured logger for the jump optimizer.
func OptimizerLogger() *logrus.Entry {
	return makeLogger(optimizer, logrus.Fields{"layer": "optimizer"})
}

// Machine returns true if the simulated machine should log fetch/execute
// activity.
func Machine() bool {
	return machine
}

// MachineLogger returns a configured logger for the simulated machine.
func MachineLogger() *logrus.Entry {
	return makeLogger(machine, logrus.Fields{"layer": "machine"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	logOut = out
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "registry"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "patcher":
			patcher = true
		case "dispatch":
			dispatch = true
		case "registry":
			registry = true
		case "optimizer":
			optimizer = true
		case "machine":
			machine = true
		}
	}
	return nil
}
