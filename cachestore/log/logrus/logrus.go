// Package logrus adapts a *logrus.Entry to cachestore.Logger.
package logrus

import (
	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/sirupsen/logrus"
)

var _ cachestore.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

func (l Logger) Debug(msg string, f cachestore.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f cachestore.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f cachestore.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f cachestore.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
