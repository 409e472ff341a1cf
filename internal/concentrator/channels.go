package concentrator

import (
	"time"

	"github.com/anstrom/stascan/internal/wlan"
)

// minInterleave is the smallest channel count that gets reordered.
const minInterleave = 4

// PrepareChannels drops channels the regulatory oracle rejects, demotes
// active radar channels to passive and caps transmit power at the allowed
// maximum. The result is interleaved.
func PrepareChannels(reg Regulatory, chans []wlan.Channel) []wlan.Channel {
	out := make([]wlan.Channel, 0, len(chans))
	for _, ch := range chans {
		valid, maxPower := reg.ChannelIsValid(ch.Band, ch.Number, ch.Type)
		if !valid {
			continue
		}
		if ch.Type == wlan.ScanActive && reg.IsDFSChannel(ch.Band, ch.Number) {
			ch.Type = wlan.ScanPassive
		}
		if ch.TxPower == 0 || ch.TxPower > maxPower {
			ch.TxPower = maxPower
		}
		out = append(out, ch)
	}
	return Interleave(out)
}

// Interleave reorders chans so they are not scanned in ascending order:
// the even positions come first, then the odd ones. With an odd count the
// last two entries of the result are swapped. Lists shorter than four are
// returned unchanged.
func Interleave(chans []wlan.Channel) []wlan.Channel {
	out := make([]wlan.Channel, 0, len(chans))
	if len(chans) < minInterleave {
		return append(out, chans...)
	}
	for i := 0; i < len(chans); i += 2 {
		out = append(out, chans[i])
	}
	for i := 1; i < len(chans); i += 2 {
		out = append(out, chans[i])
	}
	if n := len(out); n%2 == 1 {
		out[n-1], out[n-2] = out[n-2], out[n-1]
	}
	return out
}

// ChannelsFor builds a channel list for the given numbers on one band.
func ChannelsFor(band wlan.Band, numbers []uint8, scanType wlan.ScanType, minDwell, maxDwell time.Duration) []wlan.Channel {
	out := make([]wlan.Channel, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, wlan.Channel{
			Band:     band,
			Number:   n,
			Type:     scanType,
			MinDwell: minDwell,
			MaxDwell: maxDwell,
		})
	}
	return out
}
