package wlan

import "fmt"

// SecurityMode is the protection a site offers or the station requires.
type SecurityMode uint8

const (
	SecurityOpen SecurityMode = iota
	SecurityWEP
	SecurityWPAPersonal
	SecurityWPA2Personal
	SecurityWPA2Enterprise
	SecurityWPA3Personal
)

func (s SecurityMode) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWEP:
		return "wep"
	case SecurityWPAPersonal:
		return "wpa-psk"
	case SecurityWPA2Personal:
		return "wpa2-psk"
	case SecurityWPA2Enterprise:
		return "wpa2-eap"
	case SecurityWPA3Personal:
		return "wpa3-sae"
	default:
		return fmt.Sprintf("security(%d)", uint8(s))
	}
}

// ParseSecurityMode parses the String form.
func ParseSecurityMode(s string) (SecurityMode, error) {
	for m := SecurityOpen; m <= SecurityWPA3Personal; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	if s == "" {
		return SecurityOpen, nil
	}
	return 0, fmt.Errorf("unknown security mode %q", s)
}

// Cipher suite selectors (IEEE 802.11 Table 9-149, OUI 00-0F-AC).
type Cipher uint8

const (
	CipherNone   Cipher = 0
	CipherWEP40  Cipher = 1
	CipherTKIP   Cipher = 2
	CipherCCMP   Cipher = 4
	CipherWEP104 Cipher = 5
	CipherGCMP   Cipher = 8
)

// AKM suite selectors (IEEE 802.11 Table 9-151, OUI 00-0F-AC).
type AKM uint8

const (
	AKM8021X AKM = 1
	AKMPSK   AKM = 2
	AKMSAE   AKM = 8
)

// Security is the parsed summary of what a site advertises: the privacy
// capability bit plus RSN and WPA (vendor) elements.
type Security struct {
	Privacy     bool
	HasRSN      bool
	HasWPA      bool
	GroupCipher Cipher
	Pairwise    []Cipher
	AKMs        []AKM
}

// HasAKM reports whether a is among the advertised key management suites.
func (s Security) HasAKM(a AKM) bool {
	for _, v := range s.AKMs {
		if v == a {
			return true
		}
	}
	return false
}

// Mode derives the strongest SecurityMode the advertisement supports.
func (s Security) Mode() SecurityMode {
	switch {
	case s.HasRSN && s.HasAKM(AKMSAE):
		return SecurityWPA3Personal
	case s.HasRSN && s.HasAKM(AKM8021X):
		return SecurityWPA2Enterprise
	case s.HasRSN:
		return SecurityWPA2Personal
	case s.HasWPA:
		return SecurityWPAPersonal
	case s.Privacy:
		return SecurityWEP
	default:
		return SecurityOpen
	}
}

// Clone returns a copy that shares no slices with s.
func (s Security) Clone() Security {
	out := s
	out.Pairwise = append([]Cipher(nil), s.Pairwise...)
	out.AKMs = append([]AKM(nil), s.AKMs...)
	return out
}
