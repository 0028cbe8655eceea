//go:build !opencv

package primitives

import "log/slog"

func probeOpenCV(*slog.Logger, int64) Primitives { return nil }
