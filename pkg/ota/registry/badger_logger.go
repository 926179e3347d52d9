package registry

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
)

// badgerLogger routes badger's printf-style logging into hclog.
type badgerLogger struct {
	logger hclog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Trace(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func newBadgerLogger(logger hclog.Logger) badger.Logger {
	return &badgerLogger{logger: logger}
}
