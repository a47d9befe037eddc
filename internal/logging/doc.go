// Package logging provides structured logging for the corsacOTA server.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the server. It provides both general logging functions
// and specialized functions for the update protocol.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (hex dumps, frame decoding, ping/pong)
//   - Info: Normal operations (connections, handshakes, OTA progress)
//   - Warn: Non-fatal issues (pool full, dropped connections, failed writes)
//   - Error: Fatal issues (startup failures, critical errors)
//
// When neither a level nor CORSACOTA_LOG_LEVEL is given the logger is silent.
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("OTA session started",
//	    zap.String("partition", "ota_1"),
//	    zap.Int64("total_size", 1048576),
//	)
//
// # Named Loggers
//
// The server logs through a child logger named after its configured thread
// name, so every line it emits carries that name:
//
//	log := logging.Named("corsacOTA")
//	logging.LogConnection(log, remoteAddr, "connection_accepted")
//	logging.LogConnection(log, remoteAddr, "websocket_upgraded")
//	logging.LogOTAProgress(log, offset, total)
//
// # Configuration
//
// Initialize logging at startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
