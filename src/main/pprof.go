package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/sirupsen/logrus"
)

func activate_profiling(ctx context.Context, pprofdir string, duration time.Duration) {
	if err := os.MkdirAll(pprofdir, 0700); err != nil {
		logrus.Debugf("Failed to create pprof dir: %+v", err)
		return
	}

	f, err := os.Create(fmt.Sprintf("%s/%s.pprof", pprofdir, time.Now().Format("2006-01-02_15:04:05")))
	if err != nil {
		logrus.Debugf("Failed to open file for profiling: %+v", err)
		return
	}
	defer f.Close()

	// skip the start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second * 30):
	}

	logrus.Infof("Profiling start!")

	if err := pprof.StartCPUProfile(f); err != nil {
		logrus.Debugf("Failed to start profiling: %+v", err)
		return
	}
	defer pprof.StopCPUProfile()

	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	logrus.Infof("Profiling done!")
}
