package concentrator

import (
	"github.com/anstrom/stascan/internal/fsm"
	"github.com/anstrom/stascan/internal/wlan"
)

type osState uint8

const (
	osIdle osState = iota
	osScanBandA
	osScanBandB
)

func (s osState) String() string {
	switch s {
	case osScanBandA:
		return "scan_band_a"
	case osScanBandB:
		return "scan_band_b"
	default:
		return "idle"
	}
}

type osEvent uint8

const (
	osEventStart osEvent = iota
	osEventBandComplete
)

type osInput struct {
	event  osEvent
	status wlan.Status
}

// osScan is the bulk scan sequence: 2.4 GHz fully, then 5 GHz, over the
// application one-shot client.
type osScan struct {
	state    osState
	req      *Request
	status   wlan.Status
	stopping bool

	queue       []osInput
	dispatching bool

	inStart     bool
	startResult *wlan.Status
}

// StartOSScan scans every channel of req on the first band, then on the
// second, marking the site table unstable until both are done. Bands
// excluded from the station configuration are skipped. The return value
// follows StartOneShot; the final result carries OSScan set.
func (c *Concentrator) StartOSScan(req *Request) wlan.Status {
	if c.os.state != osIdle || c.slots[wlan.ClientAppOneShot].client.State() != fsm.StateIdle {
		c.logger.Warn("OS scan rejected, application client busy")
		return wlan.StatusFailed
	}

	c.table.MarkUnstable()
	c.os = osScan{req: req.Clone(), status: wlan.StatusOK, inStart: true}
	c.osPost(osInput{event: osEventStart})
	c.os.inStart = false

	if r := c.os.startResult; r != nil {
		c.os.startResult = nil
		return *r
	}
	return wlan.StatusRunning
}

// OSScanActive reports whether a bulk scan is in progress.
func (c *Concentrator) OSScanActive() bool {
	return c.os.state != osIdle
}

func (c *Concentrator) osBandDone(status wlan.Status) {
	c.osPost(osInput{event: osEventBandComplete, status: status})
}

func (c *Concentrator) osPost(in osInput) {
	c.os.queue = append(c.os.queue, in)
	if c.os.dispatching {
		return
	}
	c.os.dispatching = true
	for len(c.os.queue) > 0 {
		next := c.os.queue[0]
		c.os.queue = c.os.queue[1:]
		c.osHandle(next)
	}
	c.os.queue = nil
	c.os.dispatching = false
}

func (c *Concentrator) osHandle(in osInput) {
	from := c.os.state
	switch {
	case from == osIdle && in.event == osEventStart:
		c.os.state = osScanBandA
		c.osStartBand(wlan.Band24GHz)
	case from == osScanBandA && in.event == osEventBandComplete:
		c.osRecord(in.status)
		if c.osCut(in.status) {
			c.osFinish()
			return
		}
		c.os.state = osScanBandB
		c.osStartBand(wlan.Band5GHz)
	case from == osScanBandB && in.event == osEventBandComplete:
		c.osRecord(in.status)
		c.osFinish()
	default:
		c.logger.Debug("OS scan event ignored", "state", from.String(), "event", in.event)
		return
	}
	c.logger.Debug("OS scan transition", "from", from.String(), "to", c.os.state.String())
}

// osStartBand starts the one-shot client on one band. A band that is
// excluded or has no valid channels completes at once.
func (c *Concentrator) osStartBand(band wlan.Band) {
	if !c.bands.Has(band) {
		c.osPost(osInput{event: osEventBandComplete, status: wlan.StatusOK})
		return
	}

	req := c.os.req.Clone()
	req.Channels = req.Channels[:0]
	for _, ch := range c.os.req.Channels {
		if ch.Band == band {
			req.Channels = append(req.Channels, ch)
		}
	}
	if len(PrepareChannels(c.reg, req.Channels)) == 0 {
		c.osPost(osInput{event: osEventBandComplete, status: wlan.StatusOK})
		return
	}

	if status := c.start(wlan.ClientAppOneShot, req, true); status != wlan.StatusRunning {
		c.osPost(osInput{event: osEventBandComplete, status: status})
	}
}

func (c *Concentrator) osRecord(status wlan.Status) {
	if status != wlan.StatusOK && c.os.status == wlan.StatusOK {
		c.os.status = status
	}
}

// osCut reports whether the sequence ends before the second band.
func (c *Concentrator) osCut(status wlan.Status) bool {
	switch status {
	case wlan.StatusStopped, wlan.StatusAborted, wlan.StatusAbortedFWReset:
		return true
	}
	return c.os.stopping
}

func (c *Concentrator) osFinish() {
	status := c.os.status
	if c.os.stopping && status == wlan.StatusOK {
		status = wlan.StatusStopped
	}
	c.os.state = osIdle
	c.os.req = nil
	c.os.stopping = false
	c.table.Stabilize()
	c.logger.InfoScan("OS scan finished", wlan.ClientAppOneShot.String(), "status", status.String())

	if c.os.inStart {
		c.os.startResult = &status
		return
	}
	if fn := c.slots[wlan.ClientAppOneShot].onResult; fn != nil {
		fn(Result{Kind: ResultComplete, Client: wlan.ClientAppOneShot, Status: status, OSScan: true})
	}
}
