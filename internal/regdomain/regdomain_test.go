package regdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/wlan"
)

func TestNewUnknownCountry(t *testing.T) {
	_, err := New("XX")
	assert.Error(t, err)

	tbl, err := New("us")
	require.NoError(t, err)
	assert.Equal(t, "US", tbl.Country())
}

func TestChannelIsValid(t *testing.T) {
	us, err := New("US")
	require.NoError(t, err)
	world, err := New(World)
	require.NoError(t, err)

	tests := []struct {
		name  string
		tbl   *Table
		band  wlan.Band
		ch    uint8
		scan  wlan.ScanType
		valid bool
		power int8
	}{
		{"us ch 6", us, wlan.Band24GHz, 6, wlan.ScanActive, true, 30},
		{"us ch 13 not allowed", us, wlan.Band24GHz, 13, wlan.ScanPassive, false, 0},
		{"us ch 36", us, wlan.Band5GHz, 36, wlan.ScanActive, true, 23},
		{"us ch 14 absent", us, wlan.Band5GHz, 14, wlan.ScanActive, false, 0},
		{"world ch 12 passive ok", world, wlan.Band24GHz, 12, wlan.ScanPassive, true, 20},
		{"world ch 12 active rejected", world, wlan.Band24GHz, 12, wlan.ScanActive, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, power := tt.tbl.ChannelIsValid(tt.band, tt.ch, tt.scan)
			assert.Equal(t, tt.valid, valid)
			assert.Equal(t, tt.power, power)
		})
	}
}

func TestIsDFSChannel(t *testing.T) {
	tbl, err := New("DE")
	require.NoError(t, err)

	assert.False(t, tbl.IsDFSChannel(wlan.Band5GHz, 36))
	assert.True(t, tbl.IsDFSChannel(wlan.Band5GHz, 52))
	assert.True(t, tbl.IsDFSChannel(wlan.Band5GHz, 140))
	assert.False(t, tbl.IsDFSChannel(wlan.Band24GHz, 52))
}

func TestChannelsSorted(t *testing.T) {
	tbl, err := New("JP")
	require.NoError(t, err)

	chans := tbl.Channels(wlan.Band24GHz)
	require.Len(t, chans, 14)
	for i := 1; i < len(chans); i++ {
		assert.Less(t, chans[i-1].Channel, chans[i].Channel)
	}
	assert.True(t, chans[13].PassiveOnly)

	r, ok := tbl.Rule(wlan.Band5GHz, 100)
	require.True(t, ok)
	assert.Equal(t, int8(23), r.MaxPower)
}

func TestCountries(t *testing.T) {
	assert.Equal(t, []string{World, "DE", "JP", "US"}, Countries())
}
