package logx

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

// SetupOptions configures the process-wide log sink.
type SetupOptions struct {
	Level           string    // debug, info, warn, error
	Debug           bool      // forces debug level
	Format          Format    // logfmt or json
	Color           bool      // colorize level field
	Writer          io.Writer // default os.Stderr
	File            string    // append to this file instead of Writer
	Timestamps      bool      // emit time field
	SensitiveFields []string  // default DefaultSensitiveFields
}

var (
	setupOnce   sync.Once
	setupLogger log.Logger
	setupErr    error

	fileMu    sync.Mutex
	setupFile *os.File
)

// Setup configures the process-wide log sink exactly once and returns a
// logger tagged with subsystem. The sink is also installed as slog's
// default handler so libraries using the standard logger share it.
//
// Later calls ignore their arguments and return the first result.
func Setup(subsystem string, opts SetupOptions) (log.Logger, error) {
	setupOnce.Do(func() {
		setupLogger, setupErr = setup(subsystem, opts)
	})
	return setupLogger, setupErr
}

func setup(subsystem string, opts SetupOptions) (log.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return log.Nop{}, errors.Wrap(errors.CodeStartupConfiguration, "logx.Setup", err)
	}
	if opts.Debug {
		level = slog.LevelDebug
	}

	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return log.Nop{}, errors.Wrapf(errors.CodeStartupConfiguration, "logx.Setup", err, "open log file %s", opts.File)
		}
		fileMu.Lock()
		setupFile = f
		fileMu.Unlock()
		writer = f
	}

	format := opts.Format
	if format == "" {
		format = FormatLogfmt
	}
	sensitive := opts.SensitiveFields
	if sensitive == nil {
		sensitive = DefaultSensitiveFields
	}

	base := New(
		WithFormat(format),
		WithLevel(level),
		WithColor(opts.Color && opts.File == ""),
		WithWriter(writer),
		WithSensitiveFields(sensitive...),
		WithTimestamp(opts.Timestamps || opts.File != ""),
	)
	logger := base.With("subsystem", subsystem).(*Logger)
	slog.SetDefault(slog.New(logger.Handler()))
	return logger, nil
}

// Close flushes and closes the log file opened by Setup, if any. Records
// logged afterwards are lost. It is safe to call more than once.
func Close() error {
	fileMu.Lock()
	f := setupFile
	setupFile = nil
	fileMu.Unlock()
	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
