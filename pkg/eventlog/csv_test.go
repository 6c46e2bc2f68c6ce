package eventlog

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quarry-storage/quarry/pkg/model"
)

func TestChallengeRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter[model.ChallengeRecord](&buf)

	want := []model.ChallengeRecord{
		{ID: uuid.New(), DealID: uuid.New(), Epoch: 7, SampleIndex: 3},
		{ID: uuid.New(), DealID: uuid.New(), Epoch: 8, SampleIndex: 0},
	}
	for _, rec := range want {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Flush())

	r := NewCSVReader[model.ChallengeRecord](&buf)
	var got []model.ChallengeRecord
	for rec, err := range r.Iterator() {
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].DealID, got[i].DealID)
		require.Equal(t, want[i].Epoch, got[i].Epoch)
		require.Equal(t, want[i].SampleIndex, got[i].SampleIndex)
	}
}

func TestRepeatedHeaderSkipped(t *testing.T) {
	var buf bytes.Buffer

	// two writers appending to the same file, as across restarts
	for i := 0; i < 2; i++ {
		w := NewCSVWriter[model.PayoutRecord](&buf)
		require.NoError(t, w.Append(model.PayoutRecord{ID: uuid.New(), Epoch: uint64(i), Amount: 10}))
		require.NoError(t, w.Flush())
	}

	r := NewCSVReader[model.PayoutRecord](&buf)
	var got []model.PayoutRecord
	for rec, err := range r.Iterator() {
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, 2)
}
