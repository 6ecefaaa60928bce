package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/armctl/internal/protocol"
)

func TestNew_Defaults(t *testing.T) {
	s := New(1, []string{"p0", "p1"})
	v := s.Snapshot()
	assert.Equal(t, 100.0, v.SpeedOverride)
	require.Len(t, v.Pumps, 2)
	assert.Equal(t, PumpOff, v.Pumps[0].Mode)
	assert.Equal(t, 100.0, v.Pumps[1].Override)
}

func TestShared_CurrentAndUpcoming(t *testing.T) {
	s := New(1, nil)
	s.With(func(sh *Shared) {
		_, ok := sh.Current()
		assert.False(t, ok)

		for i := 0; i < 3; i++ {
			sh.InFlight.AppendAuto(protocol.Command{Zone: int32(i)})
		}
		sh.Queue.SetNextID(sh.InFlight.NextID())
		for i := 3; i < 6; i++ {
			sh.Queue.AppendAuto(protocol.Command{Zone: int32(i)})
		}

		// without telemetry the in-flight head is current
		cur, ok := sh.Current()
		require.True(t, ok)
		assert.Equal(t, int32(1), cur.ID)

		sh.Telemetry.ID = 2
		sh.HaveTelemetry = true
		cur, _ = sh.Current()
		assert.Equal(t, int32(2), cur.ID)

		var got []int32
		for _, c := range sh.Upcoming(3) {
			got = append(got, c.ID)
		}
		assert.Equal(t, []int32{3, 4, 5}, got)
		assert.Len(t, sh.Upcoming(10), 4)
	})
}

func TestShared_PumpLookup(t *testing.T) {
	s := New(1, []string{"a", "b"})
	s.With(func(sh *Shared) {
		assert.Equal(t, 1, sh.PumpIndex("b"))
		assert.Equal(t, -1, sh.PumpIndex("c"))
		assert.Nil(t, sh.Pump("c"))
		sh.Pump("a").Mode = PumpManual
	})
	assert.Equal(t, PumpManual, s.Snapshot().Pumps[0].Mode)
	assert.True(t, PumpAuto.Valid())
	assert.False(t, PumpMode("turbo").Valid())
}

func TestState_ConcurrentProducers(t *testing.T) {
	s := New(1, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.With(func(sh *Shared) {
					sh.Queue.AppendAuto(protocol.Command{})
				})
			}
		}()
	}
	wg.Wait()

	s.With(func(sh *Shared) {
		assert.Equal(t, 800, sh.Queue.Len())
		assert.True(t, sh.Queue.Contiguous())
	})
}
