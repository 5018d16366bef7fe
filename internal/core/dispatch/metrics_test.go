package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRecordsSuccessAndFailure(t *testing.T) {
	m := NewMetrics()
	m.Record(1, 7, nil)
	m.Record(1, 7, errors.New("boom"))
	m.Record(2, 8, nil)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.TotalSuccess)
	require.Equal(t, uint64(1), snap.TotalFailure)
	require.Len(t, snap.ByType, 2)
}

func TestMetricsForgetDropsConnectionAggregate(t *testing.T) {
	m := NewMetrics()
	m.Record(1, 7, nil)
	m.Forget(1)
	require.Len(t, m.perConn, 0)
}
