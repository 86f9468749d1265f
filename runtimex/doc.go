// Package runtimex provides the process substrate and the service launcher.
//
// # Overview
//
// Install prepares the process-wide substrate and must be the first call a
// binary makes. Every later component performs its blocking work through
// the substrate: Dial for transports, Sleep and Loop for timers, Go for
// background goroutines, Command for subprocesses.
//
// A Launcher runs services: Serve hands a service to a background
// goroutine and returns at once, Wait parks the caller until SIGINT or
// SIGTERM, parent cancellation, Stop, or a service failure, and then stops
// every service within the shutdown timeout. Optional admin listeners
// serve /health, /ready, /live and /metrics while services run.
//
// # Usage
//
//	sub := runtimex.Install(runtimex.DefaultSubstrateOptions())
//	l := runtimex.NewLauncher(runtimex.LauncherOptions{Logger: logger, Substrate: sub})
//	l.Serve(svc)
//	if err := l.Wait(); err != nil {
//		return err // CodeRuntimeFailure
//	}
package runtimex
