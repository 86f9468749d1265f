package internal

// Build metadata, set at link time:
//
//	go build -ldflags "-X github.com/pnavarro/nova/servicex/internal.Version=2013.1"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // YYYYMMDDHHMMSS
)
