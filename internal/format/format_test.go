package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in    int64
		value string
		unit  string
	}{
		{0, "0", "B"},
		{1, "1", "B"},
		{512, "512", "B"},
		{1023, "1023", "B"},
		{1024, "1.0", "KiB"},
		{1280, "1.3", "KiB"}, // exact half rounds up
		{1536, "1.5", "KiB"},
		{1024*1024 - 1, "1024.0", "KiB"},
		{3 * 1024 * 1024, "3.0", "MiB"},
		{3879731, "3.7", "MiB"},
		{5 * 1 << 30, "5.0", "GiB"},
		{2 << 40, "2.0", "TiB"},
		{2048 << 40, "2048.0", "TiB"},
		{-5, "-5", "B"},
	}
	for _, tt := range tests {
		got := Bytes(tt.in)
		assert.Equal(t, tt.value, got.Value, "value for %d", tt.in)
		assert.Equal(t, tt.unit, got.Unit, "unit for %d", tt.in)
	}
	assert.Equal(t, "1.5 KiB", Bytes(1536).String())
}

func TestDateTime(t *testing.T) {
	ts := time.Date(2024, 12, 31, 16, 5, 9, 0, time.UTC)

	assert.Equal(t, "2025/01/01 00:05:09", DateTime(ts, nil))
	assert.Equal(t, "2024/12/31 16:05:09", DateTime(ts, time.UTC))

	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "2025/01/01 01:05:09", DateTime(ts, tokyo))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, loc.String())

	_, err = LoadLocation("Mars/Olympus_Mons")
	assert.Error(t, err)
}
