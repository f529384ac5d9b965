package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.AddSample(time.Duration(i) * time.Millisecond)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(4), a.Samples())
	require.Equal(t, 10*time.Millisecond, a.Total())
	require.Equal(t, 2500*time.Microsecond, a.Average())

	a.Reset()
	require.Equal(t, int64(0), a.Samples())
	a.Time(time.Now().Add(-time.Second))
	require.GreaterOrEqual(t, a.Average(), time.Second)
}
