package wasem

// Kernel version information.
const (
	// KernelVersion is the version of the syscall personality. Guests see
	// it nowhere; it is reported by the CLI and in logs.
	KernelVersion = "0.4.0"

	// SourceURL is the repository URL.
	SourceURL = "https://github.com/sbsoftware/wasem"
)
