package alerts

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezwatch/internal/model"
)

func decision(i int, zone string, status model.Status, at time.Time) model.Decision {
	return model.Decision{
		EventID:    strconv.Itoa(i),
		ReceivedAt: at,
		Status:     status,
		Event:      model.CVEvent{ZoneID: zone, CameraID: "cam-" + strconv.Itoa(i%2)},
	}
}

func ids(list []model.Decision) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.EventID)
	}
	return out
}

func TestStoreRing(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(decision(i, "almoxarifado", model.StatusSent, base.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"2", "3", "4"}, ids(s.List(0)))
	assert.Equal(t, []string{"4"}, ids(s.List(1)))
	assert.Equal(t, []string{"3", "4"}, ids(s.Query(Filter{Since: base.Add(3 * time.Second)})))

	s.Clear()
	assert.Empty(t, s.List(10))
	assert.Equal(t, 0, s.Len())
}

func TestStoreQueryFilters(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.Add(decision(0, "almoxarifado", model.StatusSent, base))
	s.Add(decision(1, "portaria", model.StatusSuppressed, base.Add(time.Second)))
	s.Add(decision(2, "almoxarifado", model.StatusSuppressed, base.Add(2*time.Second)))
	s.Add(decision(3, "almoxarifado", model.StatusSent, base.Add(3*time.Second)))

	assert.Equal(t, []string{"0", "2", "3"}, ids(s.Query(Filter{ZoneID: "almoxarifado"})))
	assert.Equal(t, []string{"2", "3"}, ids(s.Query(Filter{ZoneID: "almoxarifado", Limit: 2})))
	assert.Equal(t, []string{"1", "2"}, ids(s.Query(Filter{Status: model.StatusSuppressed})))
	assert.Equal(t, []string{"1", "3"}, ids(s.Query(Filter{CameraID: "cam-1"})))
	assert.Empty(t, s.Query(Filter{ZoneID: "doca"}))
}
