package report

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	got []Record
	err error
}

func (r *recordingDeliverer) Deliver(rec Record) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, rec)
	return nil
}

func TestConsumer_HandleReport(t *testing.T) {
	d := &recordingDeliverer{}
	c := NewConsumer(d)

	rec := validRecord()
	rec.ID = "r-1"
	rec.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, c.HandleReport(data))
	require.Len(t, d.got, 1)
	assert.Equal(t, rec, d.got[0])

	rec.ReportedKey = "0123abcd"
	keyed, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, c.HandleReport(keyed))
	assert.Empty(t, d.got[1].ReportedKey)

	assert.Error(t, c.HandleReport([]byte("{")))
	assert.ErrorIs(t, c.HandleReport([]byte(`{"reason":"spam"}`)), ErrInvalidReport)

	d.err = errors.New("smtp down")
	assert.ErrorContains(t, c.HandleReport(data), "smtp down")
}

func TestConsumer_HandleBan(t *testing.T) {
	c := NewConsumer(&recordingDeliverer{})
	data, err := json.Marshal(BanEvent{Key: "k", Reported: "u2", Duration: 15 * time.Minute, ReportID: "r-1", IssuedAt: time.Now()})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"k"`)
	assert.Contains(t, string(data), `"reported_id":"u2"`)
	assert.NoError(t, c.HandleBan(data))
	assert.Error(t, c.HandleBan([]byte("nope")))
}
