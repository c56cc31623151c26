package logrus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/sirupsen/logrus"
)

func TestLoggerCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	l := Logger{E: logrus.NewEntry(base)}
	l.Info("cache.put", cachestore.Fields{"digests": 2})
	if !strings.Contains(buf.String(), "digests=2") {
		t.Fatalf("output %q", buf.String())
	}
}
