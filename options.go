package myfs

import "log/slog"

// config holds engine settings shared by Create, Open, and Repair.
type config struct {
	logger           *slog.Logger
	compression      Compression
	checkFingerprint bool
	overwrite        bool
}

// Option configures a Volume.
type Option func(*config)

// WithLogger sets the structured logger the engine emits operation
// events to. When unset, logging is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithCompression selects the compression applied to file content
// before encryption on Import. Already-stored files keep whatever
// compression they were imported with.
func WithCompression(compression Compression) Option {
	return func(c *config) {
		c.compression = compression
	}
}

// WithFingerprintCheck makes Open reject volumes whose recorded system
// fingerprint does not match the current machine. Default off: the
// authorization gate is the caller's concern.
func WithFingerprintCheck(enabled bool) Option {
	return func(c *config) {
		c.checkFingerprint = enabled
	}
}

// WithOverwrite allows Create to replace an existing volume file.
func WithOverwrite(enabled bool) Option {
	return func(c *config) {
		c.overwrite = enabled
	}
}

// ExportOption configures a single Export or ExportTo call.
type ExportOption func(*exportConfig)

type exportConfig struct {
	password []byte
	force    bool
	raw      bool
	recover  bool
}

// ExportWithPassword supplies the file password for a
// password-protected entry.
func ExportWithPassword(password []byte) ExportOption {
	return func(c *exportConfig) {
		c.password = password
	}
}

// ExportWithForce falls back to the master key when no password is
// given or the given one fails.
func ExportWithForce(enabled bool) ExportOption {
	return func(c *exportConfig) {
		c.force = enabled
	}
}

// ExportWithRaw copies the stored ciphertext verbatim, attempting no
// decryption.
func ExportWithRaw(enabled bool) ExportOption {
	return func(c *exportConfig) {
		c.raw = enabled
	}
}

// ExportWithRecover enables the last-resort fallback of copying the
// file's recorded original source path when every decryption strategy
// has failed.
func ExportWithRecover(enabled bool) ExportOption {
	return func(c *exportConfig) {
		c.recover = enabled
	}
}
