package launch

import "strings"

// AllProviders is the wildcard entry in a recipient's allow list.
const AllProviders = "All"

// Recipient is one subscribed chat.
type Recipient struct {
	ChatID        int64    `json:"chat_id"`
	ProviderAllow []string `json:"provider_allow,omitempty"`
	ProviderDeny  []string `json:"provider_deny,omitempty"`
	LeadTimePrefs Flags    `json:"lead_time_prefs"`
	UTCOffset     float64  `json:"utc_offset,omitempty"`
}

// DefaultPrefs enables every lead-time class.
func DefaultPrefs() Flags { return Flags{true, true, true, true} }

// Follows reports whether the recipient is subscribed to provider.
// A deny entry always wins over the wildcard.
func (r Recipient) Follows(provider string) bool {
	if containsFold(r.ProviderDeny, provider) {
		return false
	}
	return containsFold(r.ProviderAllow, AllProviders) || containsFold(r.ProviderAllow, provider)
}

// Wants reports whether the recipient accepts notices of class c.
func (r Recipient) Wants(c Class) bool { return r.LeadTimePrefs.Get(c) }

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
