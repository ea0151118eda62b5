package bluetooth

import "github.com/sirupsen/logrus"

// logger receives diagnostics from the signal router and the attribute
// dispatch path: dropped signals, recovered handler panics, best-effort
// teardown failures. Operations never fail through the logger alone.
var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger redirects the package's diagnostic output. Call it before
// Enable; the logger is not synchronized against concurrent use.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}
