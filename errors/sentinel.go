// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Process graph errors.
var (
	// ErrProcessNotFound indicates no Process exists for the given pid/fb_pid.
	ErrProcessNotFound = &SupervisorError{
		Kind:   ErrNotFound,
		Detail: "process not found",
	}

	// ErrProcessNotExeced indicates an operation that requires an
	// ExecedProcess was attempted on a ForkedProcess.
	ErrProcessNotExeced = &SupervisorError{
		Kind:   ErrInvalidState,
		Detail: "process has not execed",
	}

	// ErrProcessFinalized indicates an operation was attempted on an
	// already-finalized process.
	ErrProcessFinalized = &SupervisorError{
		Kind:   ErrInvalidState,
		Detail: "process already finalized",
	}

	// ErrUnknownFD indicates an operation referenced an fd the supervisor
	// does not believe is open.
	ErrUnknownFD = &SupervisorError{
		Kind:   ErrObservationalLoss,
		Detail: "missed at least one open() for this fd",
	}
)

// Cache errors.
var (
	// ErrCacheMiss indicates no cached entry exists for a fingerprint/subkey
	// or blob hash. Not a failure: treated as "must run".
	ErrCacheMiss = &SupervisorError{
		Kind:   ErrNotFound,
		Detail: "cache miss",
	}

	// ErrCacheCorrupt indicates a cache entry exists but failed to parse.
	ErrCacheCorrupt = &SupervisorError{
		Kind:   ErrCacheIO,
		Detail: "cache entry corrupt",
	}

	// ErrCacheWrite indicates a cache store operation failed.
	ErrCacheWrite = &SupervisorError{
		Kind:   ErrCacheIO,
		Detail: "cache write failed",
	}
)

// Fingerprint / shortcutting errors.
var (
	// ErrUnfingerprintable indicates some input could not be fingerprinted
	// (e.g. an inherited pipe whose bytes could originate outside the
	// supervised tree).
	ErrUnfingerprintable = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "process is not fingerprintable",
	}

	// ErrSymlinkCreated disables shortcutting: symlink creation is not
	// replayed on shortcut.
	ErrSymlinkCreated = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "process created a symlink",
	}

	// ErrHardLinkCreated disables shortcutting: hard links are not
	// replayed on shortcut.
	ErrHardLinkCreated = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "process created a hard link",
	}

	// ErrTimestampChanged disables shortcutting: utime/futime effects are
	// not replayed on shortcut.
	ErrTimestampChanged = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "process changed a file's timestamp",
	}

	// ErrUnsupportedSyscall disables shortcutting for an operation this
	// supervisor does not model (clone, non-whitelisted getrandom, unknown
	// fcntl/ioctl).
	ErrUnsupportedSyscall = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "unsupported syscall observed",
	}

	// ErrConcurrentWriter disables shortcutting for both processes racing
	// to write the same path.
	ErrConcurrentWriter = &SupervisorError{
		Kind:   ErrWriterRace,
		Detail: "path has another concurrent live writer",
	}

	// ErrFileUsageConflict indicates two FileUsage merges produced a
	// logical contradiction (e.g. expected-absent then found-as-directory).
	ErrFileUsageConflict = &SupervisorError{
		Kind:   ErrUnsupportedOp,
		Detail: "conflicting file usage observed",
	}
)

// Protocol errors.
var (
	// ErrMalformedMessage indicates a message failed to decode.
	ErrMalformedMessage = &SupervisorError{
		Kind:   ErrProtocol,
		Detail: "malformed message",
	}

	// ErrUnknownTag indicates a message tag outside the known range.
	ErrUnknownTag = &SupervisorError{
		Kind:   ErrProtocol,
		Detail: "unknown message tag",
	}
)

// Configuration errors.
var (
	// ErrInvalidConfigValue indicates a config override could not be parsed.
	ErrInvalidConfigValue = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "invalid configuration value",
	}

	// ErrInvalidSocketPath indicates FB_SOCKET is unset or unusable.
	ErrInvalidSocketPath = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "invalid socket path",
	}

	// ErrInvalidCacheDir indicates FIREBUILD_CACHE_DIR is unset or unusable.
	ErrInvalidCacheDir = &SupervisorError{
		Kind:   ErrInvalidConfig,
		Detail: "invalid cache directory",
	}
)
