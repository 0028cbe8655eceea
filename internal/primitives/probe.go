package primitives

import "log/slog"

// Probe returns the most capable adapter compiled into this binary. seed
// drives RANSAC sampling.
func Probe(log *slog.Logger, seed int64) Primitives {
	if log == nil {
		log = slog.Default()
	}
	p := probeOpenCV(log, seed)
	if p == nil {
		p = NewNative(seed)
	}
	log.Debug("geometric primitives selected", "adapter", p.Name())
	return p
}
