package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiscalLabelAprilBoundary(t *testing.T) {
	cal := NewFiscalCalendar(4, 1)

	require.Equal(t, "2526", cal.Label(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2425", cal.Label(time.Date(2025, 3, 31, 23, 59, 0, 0, time.UTC)))
	require.Equal(t, "2526", cal.Label(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "2627", cal.Label(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFiscalLabelCenturyWrap(t *testing.T) {
	cal := NewFiscalCalendar(4, 1)
	require.Equal(t, "9900", cal.Label(time.Date(2099, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFiscalCalendarDefaults(t *testing.T) {
	cal := NewFiscalCalendar(0, 99)
	require.Equal(t, time.April, cal.StartMonth)
	require.Equal(t, 1, cal.StartDay)
}
