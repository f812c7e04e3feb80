package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

const (
	logFilename = "udpft.log"
	logMaxSize  = 10 * 1024 // KiB
	logMaxRolls = 3
)

// logWriter sends log output to stdout and, once initLogRotator has run, to
// the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is nil until initLogRotator is called.
	logRotator *rotator.Rotator

	srvrLog = backendLog.Logger("SRVR")
	clntLog = backendLog.Logger("CLNT")
	xferLog = backendLog.Logger("XFER")
	discLog = backendLog.Logger("DISC")
)

var subsystemLoggers = map[string]btclog.Logger{
	"SRVR": srvrLog,
	"CLNT": clntLog,
	"XFER": xferLog,
	"DISC": discLog,
}

// initLogRotator opens the rotating log file in dir. It must be called
// before any logging that should reach the file.
func initLogRotator(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(filepath.Join(dir, logFilename), logMaxSize, false, logMaxRolls)
	if err != nil {
		return fmt.Errorf("create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

func closeLogRotator() {
	if logRotator != nil {
		logRotator.Close()
	}
}

// setLogLevels applies a debuglevel spec: either a single level for every
// subsystem, or a comma separated list of SUBSYS=level pairs.
func setLogLevels(spec string) error {
	if !strings.Contains(spec, "=") {
		level, ok := btclog.LevelFromString(spec)
		if !ok {
			return fmt.Errorf("invalid debug level %q", spec)
		}
		for _, l := range subsystemLoggers {
			l.SetLevel(level)
		}
		return nil
	}
	for _, pair := range strings.Split(spec, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("invalid subsystem level pair %q", pair)
		}
		l, ok := subsystemLoggers[strings.ToUpper(fields[0])]
		if !ok {
			return fmt.Errorf("unknown subsystem %q, supported: %s",
				fields[0], strings.Join(supportedSubsystems(), ", "))
		}
		level, ok := btclog.LevelFromString(fields[1])
		if !ok {
			return fmt.Errorf("invalid debug level %q for %s", fields[1], fields[0])
		}
		l.SetLevel(level)
	}
	return nil
}

func supportedSubsystems() []string {
	subs := make([]string, 0, len(subsystemLoggers))
	for s := range subsystemLoggers {
		subs = append(subs, s)
	}
	sort.Strings(subs)
	return subs
}
