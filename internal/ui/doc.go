// Package ui renders terminal output for the corsacota CLI.
//
// Headers and result boxes are styled with Lipgloss. Uploads started by the
// push command show a Bubble Tea progress bar when stdout is a terminal and
// fall back to plain progress lines otherwise, so output stays readable in
// logs and pipes.
//
// Logging is controlled by CORSACOTA_LOG_LEVEL. When it is unset, zap is
// silent and only the output of this package is shown.
package ui
