// Package logging provides structured logging for cluctl.
//
// This package wraps a global zap logger with convenience functions used
// throughout the protocol, session and commissioning packages.
//
// # Log Levels
//
//   - Debug: datagram hex dumps, request state transitions, poll attempts
//   - Info: discovered devices, commissioning steps, key rotations
//   - Warn: rejected addresses, devices that failed commissioning
//   - Error: socket failures, unreadable project files
//
// # Configuration
//
// Logging is silent unless a level is given, either explicitly or through
// the CLUCTL_LOG_LEVEL environment variable:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Setting CLUCTL_LOG_FILE (or calling InitializeWithFile) additionally
// writes JSON entries to a size-rotated file.
//
// # Protocol Logging
//
//	logging.LogDatagram("sent", peer, payload)
//	logging.LogDeviceEvent(serial, "key_rotated")
//
// Console output goes to stderr. All functions are safe for concurrent use.
package logging
