package simradio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/stascan/internal/concentrator"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/frames"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/scanclient"
	"github.com/anstrom/stascan/internal/selection"
	"github.com/anstrom/stascan/internal/sitetable"
	"github.com/anstrom/stascan/internal/wlan"
)

type recorder struct {
	mu      sync.Mutex
	frames  []concentrator.Frame
	reports []concentrator.Report
	success int
	failure int
}

func (r *recorder) FrameReceived(_ wlan.Tag, f concentrator.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) ScanComplete(_ wlan.Tag, rep concentrator.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) ConnectSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success++
}

func (r *recorder) ConnectFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure++
}

func (r *recorder) counts() (frames, reports, success, failure int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.reports), r.success, r.failure
}

func simConfig() config.SimulationConfig {
	return config.SimulationConfig{
		Enabled:    true,
		FailBSSIDs: []string{"02:00:00:00:00:0f"},
		APs: []config.SimulatedAP{
			{BSSID: "02:00:00:00:00:01", SSID: "Home", Band: "2.4GHz", Channel: 1, RSSI: -45, Security: "wpa2-psk"},
			{BSSID: "02:00:00:00:00:02", SSID: "Cafe", Band: "2.4GHz", Channel: 6, RSSI: -70},
			{BSSID: "02:00:00:00:00:03", SSID: "Lab", Band: "5GHz", Channel: 36, RSSI: -60, Hidden: true},
			{BSSID: "02:00:00:00:00:0f", SSID: "Broken", Band: "2.4GHz", Channel: 11, RSSI: -50},
		},
	}
}

func newRadio(t *testing.T) (*Radio, *recorder) {
	t.Helper()
	rec := &recorder{}
	r, err := New(simConfig(), rec, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, rec
}

func request(client wlan.ClientID, band wlan.Band, chans ...uint8) *concentrator.Request {
	return &concentrator.Request{
		Client:   client,
		Channels: concentrator.ChannelsFor(band, chans, wlan.ScanActive, 0, 0),
		Probes:   1,
	}
}

func TestAPsFromConfig(t *testing.T) {
	aps, err := APsFromConfig(simConfig().APs)
	require.NoError(t, err)
	require.Len(t, aps, 4)
	assert.Equal(t, wlan.SecurityWPA2Personal, aps[0].Security)
	assert.Equal(t, wlan.BSSInfrastructure, aps[0].BSSType)
	assert.Equal(t, wlan.Band5GHz, aps[2].Band)
	assert.Equal(t, defaultRates5, aps[2].Rates)

	_, err = APsFromConfig([]config.SimulatedAP{{BSSID: "nope"}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestBodyDecodes(t *testing.T) {
	aps, err := APsFromConfig(simConfig().APs)
	require.NoError(t, err)

	p, err := frames.Decode(aps[0].Body(false))
	require.NoError(t, err)
	assert.Equal(t, "Home", p.SSID)
	assert.Equal(t, uint8(1), p.DSChannel)
	assert.Equal(t, wlan.SecurityWPA2Personal, p.Security.Mode())
	assert.NotZero(t, p.Capability&frames.CapPrivacy)

	hidden := aps[2]
	p, err = frames.Decode(hidden.Body(false))
	require.NoError(t, err)
	assert.True(t, p.HasSSID)
	assert.Empty(t, p.SSID)

	p, err = frames.Decode(hidden.Body(true))
	require.NoError(t, err)
	assert.Equal(t, "Lab", p.SSID)
}

func TestOneShotScan(t *testing.T) {
	r, rec := newRadio(t)
	tag := wlan.Tag(4)

	require.NoError(t, r.StartScan(context.Background(), request(wlan.ClientAppOneShot, wlan.Band24GHz, 1, 6, 13), tag,
		scanclient.PriorityNormal, scanclient.PowerSaveNone))

	require.Eventually(t, func() bool {
		_, reports, _, _ := rec.counts()
		return reports == 1
	}, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.frames, 2)
	assert.Equal(t, wlan.MAC{2, 0, 0, 0, 0, 1}, rec.frames[0].BSSID)
	assert.Equal(t, -45, rec.frames[0].RSSI)
	assert.Equal(t, 2, rec.reports[0].Delivered)
	assert.Equal(t, wlan.StatusOK, rec.reports[0].ExecStatus)
}

func TestHiddenSiteAnswersDirectedProbe(t *testing.T) {
	r, rec := newRadio(t)
	req := request(wlan.ClientAppOneShot, wlan.Band5GHz, 36)
	req.SSIDs = []string{"Lab"}
	require.NoError(t, r.StartScan(context.Background(), req, 1, scanclient.PriorityNormal, scanclient.PowerSaveNone))

	require.Eventually(t, func() bool {
		_, reports, _, _ := rec.counts()
		return reports == 1
	}, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.frames, 1)
	p, err := frames.Decode(rec.frames[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "Lab", p.SSID)
}

func TestPeriodicScanHonorsCycleCap(t *testing.T) {
	r, rec := newRadio(t)
	req := request(wlan.ClientDriverPeriodic, wlan.Band24GHz, 1, 6)
	req.Schedule = scanclient.Schedule{Intervals: []time.Duration{0, 0, 0}, MaxCycles: 3}

	require.NoError(t, r.StartScan(context.Background(), req, 3, scanclient.PriorityNormal, scanclient.PowerSaveNone))
	require.Eventually(t, func() bool {
		_, reports, _, _ := rec.counts()
		return reports == 1
	}, time.Second, time.Millisecond)

	n, _, _, _ := rec.counts()
	assert.Equal(t, 6, n)
	rec.mu.Lock()
	assert.Equal(t, 6, rec.reports[0].Delivered)
	rec.mu.Unlock()
}

func TestStopAndReset(t *testing.T) {
	r, rec := newRadio(t)
	req := request(wlan.ClientAppPeriodic, wlan.Band24GHz, 1)
	req.Schedule = scanclient.Schedule{Intervals: []time.Duration{time.Hour}}

	require.NoError(t, r.StartScan(context.Background(), req, 5, scanclient.PriorityNormal, scanclient.PowerSaveNone))
	err := r.StartScan(context.Background(), req, 5, scanclient.PriorityNormal, scanclient.PowerSaveNone)
	assert.True(t, errors.IsCode(err, errors.CodeClientBusy))

	require.NoError(t, r.StopScan(5, true))
	require.Eventually(t, func() bool {
		_, reports, _, _ := rec.counts()
		return reports == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, r.StartScan(context.Background(), req, 5, scanclient.PriorityNormal, scanclient.PowerSaveNone))
	r.StopOnReset(5)
	assert.True(t, errors.IsCode(r.StopScan(5, true), errors.CodeUnknownTag))

	r.Close()
	_, reports, _, _ := rec.counts()
	assert.Equal(t, 1, reports, "reset scans end silently")
}

func candidate(bssid wlan.MAC, bssType wlan.BSSType) *selection.Candidate {
	return &selection.Candidate{Entry: sitetable.Entry{BSSID: bssid, BSSType: bssType}}
}

func TestAssociation(t *testing.T) {
	r, rec := newRadio(t)

	require.NoError(t, r.Connect(candidate(wlan.MAC{2, 0, 0, 0, 0, 1}, wlan.BSSInfrastructure)))
	require.Eventually(t, func() bool {
		_, _, success, _ := rec.counts()
		return success == 1
	}, time.Second, time.Millisecond)
	link, ok := r.Link()
	assert.True(t, ok)
	assert.Equal(t, wlan.MAC{2, 0, 0, 0, 0, 1}, link)

	r.Disconnect()
	require.Eventually(t, func() bool {
		_, _, _, failure := rec.counts()
		return failure == 1
	}, time.Second, time.Millisecond)
	_, ok = r.Link()
	assert.False(t, ok)

	require.NoError(t, r.Connect(candidate(wlan.MAC{2, 0, 0, 0, 0, 0x0f}, wlan.BSSInfrastructure)))
	require.Eventually(t, func() bool {
		_, _, _, failure := rec.counts()
		return failure == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Connect(candidate(wlan.MAC{2, 0, 0, 0, 0, 0x77}, wlan.BSSInfrastructure)))
	require.Eventually(t, func() bool {
		_, _, _, failure := rec.counts()
		return failure == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Connect(candidate(wlan.MAC{0x12, 0, 0, 0, 0, 0x77}, wlan.BSSIndependent)))
	require.Eventually(t, func() bool {
		_, _, success, _ := rec.counts()
		return success == 2
	}, time.Second, time.Millisecond)

	assert.True(t, r.DropLink())
	assert.False(t, r.DropLink())
	_, _, _, failure := rec.counts()
	assert.Equal(t, 4, failure)
}

func TestDisconnectWithoutLinkIsSilent(t *testing.T) {
	r, rec := newRadio(t)
	r.Disconnect()
	r.Close()
	_, _, _, failure := rec.counts()
	assert.Zero(t, failure)
}
