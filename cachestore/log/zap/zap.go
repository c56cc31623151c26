// Package zap adapts a *zap.Logger to cachestore.Logger.
package zap

import (
	"github.com/ggoodman/render-gateway/cachestore"
	"go.uber.org/zap"
)

var _ cachestore.Logger = Logger{}

type Logger struct{ L *zap.Logger }

func (z Logger) Debug(msg string, f cachestore.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f cachestore.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f cachestore.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f cachestore.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f cachestore.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
