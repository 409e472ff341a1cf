package cli

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/anstrom/stascan/internal/wlan"
)

// bandsValue is a repeatable --band flag that only accepts known bands.
type bandsValue struct {
	bands   *[]string
	changed bool
}

func newBandsValue(p *[]string) pflag.Value {
	return &bandsValue{bands: p}
}

func (v *bandsValue) String() string {
	return strings.Join(*v.bands, ",")
}

func (v *bandsValue) Set(raw string) error {
	if !v.changed {
		*v.bands = nil
		v.changed = true
	}
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		b, err := wlan.ParseBand(s)
		if err != nil {
			return err
		}
		*v.bands = append(*v.bands, b.String())
	}
	return nil
}

func (v *bandsValue) Type() string {
	return "band"
}
