package logger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/internal/state"
	state_new "github.com/temoto/greenbox/internal/state/new"
	"github.com/temoto/greenbox/internal/store"
	"github.com/temoto/greenbox/internal/telemetry"
	"github.com/temoto/greenbox/log2"
)

func testConf(db string) string {
	return fmt.Sprintf(`mqtt { server = "broker.lan" }
logger { database = %q reconnect_delay_ms = 3000 }`, db)
}

func TestLoggerStores(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "greenhouse.db")
	ctx, g, m := state_new.NewTestContext(t, "test", testConf(db))
	m.Subscriber.Sessions = [][]telemetry.Message{{
		{Topic: "greenhouse/temperature", Payload: []byte("20.00")},
		{Topic: "greenhouse/sensors/3", Payload: []byte("20.00")},
		{Topic: "greenhouse/battery/low", Payload: []byte("false")},
		{Topic: "greenhouse/battery", Payload: []byte("100")},
	}}
	m.Subscriber.OnIdle = g.Stop

	err := Main(ctx, g.Config)
	require.NoError(t, err, errors.ErrorStack(err))
	g.Alive.Wait()
	assert.Equal(t, 2, m.Subscriber.Connects)
	assert.Equal(t, 1, m.Delay.Count(3*time.Second))
	assert.Equal(t, state.RecorderMapping(g.Config).Topics(), m.Subscriber.Topics)

	s, err := store.Open(context.Background(), log2.NewTest(t, log2.LDebug), db)
	require.NoError(t, err)
	defer s.Close()
	samples, err := s.Since(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, store.TypeAvgTemperature, samples[0].Type)
	assert.Equal(t, store.ZoneType(3), samples[1].Type)
	assert.Equal(t, store.TypeBatteryCapacity, samples[2].Type)
	assert.Equal(t, 100.0, samples[2].Value)
}

func TestLoggerBadDatabase(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "no-such-dir", "greenhouse.db")
	ctx, g, _ := state_new.NewTestContext(t, "test", testConf(db))

	err := Main(ctx, g.Config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger database")
}
