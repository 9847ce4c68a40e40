package bootstrap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

func TestCloseReleasesNewestFirst(t *testing.T) {
	var out bytes.Buffer
	rt := &Runtime{
		Kind:   "api",
		Config: &config.Config{},
		Logger: logger.New(logger.Options{ServiceName: "api", Output: &out}),
	}
	var order []string
	rt.OnClose("database", func() error { order = append(order, "database"); return nil })
	rt.OnClose("redis", func() error { order = append(order, "redis"); return errors.New("connection reset") })
	rt.OnClose("pubsub", func() error { order = append(order, "pubsub"); return nil })

	rt.Close()
	rt.Close()

	assert.Equal(t, []string{"pubsub", "redis", "database"}, order)
	assert.Contains(t, out.String(), "close redis")
	assert.Contains(t, out.String(), "connection reset")
}

func TestSignalContextCarriesServiceFields(t *testing.T) {
	var out bytes.Buffer
	rt := &Runtime{
		Kind:   "cron-worker",
		Config: &config.Config{App: config.AppConfig{Env: "dev"}},
		Logger: logger.New(logger.Options{ServiceName: "cron-worker", Output: &out}),
	}
	ctx, stop := rt.SignalContext(map[string]any{"addr": ":8080"})
	defer stop()

	rt.Logger.Info(ctx, "cron worker started")
	for _, want := range []string{`"env":"dev"`, `"serviceKind":"cron-worker"`, `"addr":":8080"`} {
		assert.Contains(t, out.String(), want)
	}
}
