package frames

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/wlan"
)

func TestDecodeBeacon(t *testing.T) {
	body := NewBuilder(42, 100, CapESS|CapPrivacy).
		SSID("Net1").
		Rates([]uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108}, []uint8{2, 4, 11, 22}).
		DSChannel(6).
		RSN(wlan.AKMPSK).
		WMM(true).
		Bytes()

	p, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), p.Timestamp)
	assert.Equal(t, uint16(100), p.BeaconInterval)
	assert.True(t, p.HasSSID)
	assert.Equal(t, "Net1", p.SSID)
	assert.Equal(t, []uint8{2, 4, 11, 22}, p.BasicRates)
	assert.Len(t, p.SupportedRates, 12)
	assert.True(t, p.HasDSChannel)
	assert.Equal(t, uint8(6), p.DSChannel)
	assert.Equal(t, wlan.BSSInfrastructure, p.BSSType())

	assert.True(t, p.Security.Privacy)
	assert.True(t, p.Security.HasRSN)
	assert.Equal(t, wlan.CipherCCMP, p.Security.GroupCipher)
	assert.Equal(t, []wlan.AKM{wlan.AKMPSK}, p.Security.AKMs)
	assert.Equal(t, wlan.SecurityWPA2Personal, p.Security.Mode())
	assert.NotEmpty(t, p.RSN)

	assert.True(t, p.WMM)
	assert.True(t, p.UAPSD)
	assert.Equal(t, wlan.WPSNone, p.WPS)
	assert.False(t, p.CSA)
}

func TestDecodeShortTrailingElement(t *testing.T) {
	body := NewBuilder(0, 100, CapESS).SSID("").DSChannel(11).Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.True(t, p.HasSSID)
	assert.Equal(t, "", p.SSID)
	assert.Equal(t, uint8(11), p.DSChannel)
}

func TestDecodeMissingSSID(t *testing.T) {
	body := NewBuilder(0, 100, CapESS).DSChannel(1).Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.False(t, p.HasSSID)
}

func TestDecodeWPAAndWPS(t *testing.T) {
	body := NewBuilder(0, 100, CapESS|CapPrivacy).
		SSID("Legacy").
		WPA().
		WPS(wlan.WPSPushButton).
		CSA(11).
		Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.True(t, p.Security.HasWPA)
	assert.False(t, p.Security.HasRSN)
	assert.Equal(t, wlan.SecurityWPAPersonal, p.Security.Mode())
	assert.Equal(t, wlan.CipherTKIP, p.Security.GroupCipher)
	assert.Equal(t, wlan.WPSPushButton, p.WPS)
	assert.True(t, p.CSA)
	assert.NotEmpty(t, p.WPA)
}

func TestDecodeWPSPin(t *testing.T) {
	body := NewBuilder(0, 100, CapESS).SSID("Pin").WPS(wlan.WPSPin).Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, wlan.WPSPin, p.WPS)
}

func TestDecodeIBSS(t *testing.T) {
	body := NewBuilder(0, 100, CapIBSS).SSID("adhoc").Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, wlan.BSSIndependent, p.BSSType())
}

func TestDecodeWPA3(t *testing.T) {
	body := NewBuilder(0, 100, CapESS|CapPrivacy).SSID("Sae").RSN(wlan.AKMSAE).Bytes()

	p, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, wlan.SecurityWPA3Personal, p.Security.Mode())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err, "shorter than the fixed fields")

	truncated := append(NewBuilder(0, 100, CapESS).Bytes(), byte(layers.Dot11InformationElementIDSSID), 10, 'a')
	_, err = Decode(truncated)
	assert.Error(t, err)

	long := NewBuilder(0, 100, CapESS).Element(layers.Dot11InformationElementIDSSID, make([]byte, 40)).Bytes()
	_, err = Decode(long)
	assert.Error(t, err)
}

func TestElementsSkipsShortVendor(t *testing.T) {
	data := []byte{byte(layers.Dot11InformationElementIDVendor), 2, 0x00, 0x50, 0, 1, 'x'}

	elements, err := Elements(data)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, layers.Dot11InformationElementIDSSID, elements[0].ID)
	assert.Equal(t, []byte("x"), elements[0].Info)
}
