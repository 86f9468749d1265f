// Package testingx provides testing helpers and fakes for nova packages.
//
// # Overview
//
// testingx contains small utilities to speed up unit tests: a mock logger
// with capture and assertions, a request context helper, error code
// assertions and helpers for asynchronous service tests.
//
// # Usage
//
//	logger := testingx.NewMockLogger(t)
//	svc.Start(ctx)
//	testingx.Eventually(t, time.Second, func() bool { return svc.State() == servicex.StateStarted }, "start")
//	logger.AssertLogged("INFO", "service started")
//
// # Layer
//
// testingx is for tests only and depends on core modules.
package testingx
