package blobclient

import (
	"github.com/cockroachdb/blobclient/internal/blob"
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface accepted by Client and AdminClient.
// Implementations must be safe for concurrent use.
type Logger = blob.Logger

// NopLogger discards all log output.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// DefaultLogger logs to the logrus standard logger.
var DefaultLogger Logger = logrus.StandardLogger()
