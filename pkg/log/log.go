// Package log implements simple logging for the fileencryption packages. Logging is disabled by default and the
// underlying logger is a no-op implementation. Use SetLogger to enable it; a logrus.Logger satisfies Interface.
package log

var logger Interface = noopLogger{}

type Interface interface {
	// Debugf v using a format string.
	Debugf(format string, v ...interface{})
}

// warner is implemented by loggers that have a level above debug, e.g. logrus.
type warner interface {
	Warnf(format string, v ...interface{})
}

// SetLogger sets the logger used by the fileencryption packages and enables logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the log using the configured logger.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// Warnf reports conditions an administrator should see, such as a principal that is not ready for encryption.
// Loggers without a warning level receive the message at debug level.
func Warnf(format string, v ...interface{}) {
	switch l := logger.(type) {
	case nil:
		return
	case warner:
		l.Warnf(format, v...)
	default:
		l.Debugf("WARN "+format, v...)
	}
}

// DebugEnabled returns true if a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {}
