package logger

import "go.uber.org/zap"

// NewZap builds a process-wide default Logf backed by zap, with the given
// key/value fields (namespace, subsystem, ...) attached to every line. It
// returns the Logf plus a flush func to call before process exit.
func NewZap(fields ...any) (Logf, func() error) {
	z, err := zap.NewProduction()
	if err != nil {
		// zap misconfiguration should never take the process down.
		z = zap.NewNop()
	}
	sugar := z.Sugar().With(fields...)
	return func(format string, args ...any) {
			sugar.Infof(format, args...)
		}, func() error {
			return z.Sync()
		}
}
