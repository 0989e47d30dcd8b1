// Copyright 2025 The Bootplan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary planctl exercises the boot memory planner and image staging
// logic from the command line, against a platform description instead of
// live hardware.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/planctl/cmd"
)

var (
	debug = flag.Bool("debug", false, "enable debug logging.")
	kmsg  = flag.Bool("kmsg", false, "log in kernel printk format instead of human CLI output.")
)

// logrusEmitter forwards planner logs to logrus for human CLI output.
type logrusEmitter struct {
	logger *logrus.Logger
}

// Emit implements log.Emitter.Emit.
func (e logrusEmitter) Emit(level log.Level, _ time.Time, format string, v ...any) {
	switch level {
	case log.Warning:
		e.logger.Warnf(format, v...)
	case log.Info:
		e.logger.Infof(format, v...)
	default:
		e.logger.Debugf(format, v...)
	}
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Plan), "")
	subcommands.Register(new(cmd.Validate), "")
	subcommands.Register(new(cmd.Version), "")

	flag.Parse()

	if *kmsg {
		log.SetTarget(log.KmsgEmitter{Emitter: &log.Writer{Next: os.Stderr}, Start: time.Now()})
	} else {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		if *debug {
			logger.SetLevel(logrus.DebugLevel)
		}
		log.SetTarget(logrusEmitter{logger: logger})
	}
	if *debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
