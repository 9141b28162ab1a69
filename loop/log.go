package loop

import "go.uber.org/zap"

// logger wraps *zap.Logger with the nil-safe call convention the teacher
// family (ehrlich-b-go-ublk's queue runner) uses for its own Logger
// interface, adapted to zap's always-valid-after-NewNop convention
// (SPEC_FULL.md §2.1): embedders who don't pass WithLogger get a Nop
// logger rather than every call site needing a nil check.
type logger struct {
	z *zap.Logger
}

func newLogger(z *zap.Logger) *logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &logger{z: z}
}

func (l *logger) debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *logger) warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *logger) error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
