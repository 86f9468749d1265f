// Package servicex boots a worker process and runs its service.
//
// Overview:
//   - Responsibility: Run the startup pipeline (substrate, search path, configuration,
//     logging, compat patches, service factory, launcher) and own the Service lifecycle
//   - Key Types: Bootstrap for the pipeline, Factory for construction, Service for the
//     Constructed, Started and Stopped states
//   - Concurrency Model: Run blocks until shutdown; Service Start and Stop are safe to
//     call from the launcher's goroutines
//   - Error Semantics: Every phase returns a coded error; ExitCode maps it to the
//     process exit status
//
// Usage:
//
//	b := &servicex.Bootstrap{Binary: "nova-compute", Args: os.Args[1:]}
//	os.Exit(servicex.ExitCode(b.Run()))
//
// Only the binary's main function exits the process. Configuration errors are
// printed to stderr before logging exists; later failures go through the logger.
package servicex
