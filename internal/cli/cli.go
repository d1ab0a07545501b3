// Package cli implements the cobra command trees for both contestmaster
// and contestworker, grounded on internal/cli/cli.go's BuildCLI pattern.
package cli

import "log/slog"

var log = slog.Default()
