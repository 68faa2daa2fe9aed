package node

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/internal/modem"
	state_new "github.com/temoto/greenbox/internal/state/new"
)

const testConf = `mqtt { server = "broker.lan" }`

func TestOnce(t *testing.T) {
	t.Parallel()
	ctx, g, m := state_new.NewTestContext(t, "test", testConf)

	err := OnceMain(ctx, g.Config)
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, []time.Duration{15 * time.Minute}, m.Suspender.Sleeps())
	assert.Equal(t, 1, m.Client.Connects)
}

func TestOnceFailed(t *testing.T) {
	t.Parallel()
	ctx, g, m := state_new.NewTestContext(t, "test", testConf)
	m.AT.Expect("AT+CPIN?", modem.Reply{Lines: []string{"+CPIN: SIM PUK"}})

	err := OnceMain(ctx, g.Config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmit_ok=false")
	assert.Equal(t, []time.Duration{2 * time.Minute}, m.Suspender.Sleeps())
	assert.Equal(t, 0, m.Client.Connects)
}

func TestRunStops(t *testing.T) {
	t.Parallel()
	ctx, g, m := state_new.NewTestContext(t, "test", testConf)
	m.Suspender.After = func(n int) {
		if n == 2 {
			g.Stop()
		}
	}

	require.NoError(t, RunMain(ctx, g.Config))
	g.Alive.Wait()
	assert.Len(t, m.Suspender.Sleeps(), 2)
	assert.Equal(t, 4, m.Key.Pulses())
}
