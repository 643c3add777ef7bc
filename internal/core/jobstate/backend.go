package jobstate

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"
)

// zapBadgerLogger routes badger's internal logging through zap.
type zapBadgerLogger struct {
	log *zap.SugaredLogger
}

var _ badger.Logger = (*zapBadgerLogger)(nil)

func (l *zapBadgerLogger) Errorf(msg string, items ...any)   { l.log.Errorf(msg, items...) }
func (l *zapBadgerLogger) Warningf(msg string, items ...any) { l.log.Warnf(msg, items...) }
func (l *zapBadgerLogger) Infof(msg string, items ...any)    { l.log.Debugf(msg, items...) }
func (l *zapBadgerLogger) Debugf(msg string, items ...any)   { l.log.Debugf(msg, items...) }

func openBadger(dir string, inMemory bool, logger *zap.Logger) (*badger.DB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}

	opts.Logger = &zapBadgerLogger{log: logger.Named("badger").Sugar()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return db, nil
}
