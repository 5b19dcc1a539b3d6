package fetch

import (
	"fmt"
	"strings"

	"github.com/hbomb79/Hoard/pkg/logger"
)

// leveledLogger adapts a Hoard logger to the retryablehttp LeveledLogger interface.
type leveledLogger struct {
	logger logger.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("%s\n", format(msg, keysAndValues))
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Verbosef("%s\n", format(msg, keysAndValues))
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Verbosef("%s\n", format(msg, keysAndValues))
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnf("%s\n", format(msg, keysAndValues))
}

func format(msg string, keysAndValues []interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}

	return sb.String()
}
