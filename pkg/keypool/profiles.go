package keypool

import "sort"

// userAgentProfiles maps a profile id to the fixed outbound identification
// string presented for every call made with a credential minted under it.
var userAgentProfiles = map[string]string{
	"chrome_windows":  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"chrome_mac":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"firefox_windows": "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"safari_mac":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"edge_windows":    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// profileIDs returns the profile ids in stable order so a seeded random
// source selects deterministically in tests.
func profileIDs() []string {
	ids := make([]string, 0, len(userAgentProfiles))
	for id := range userAgentProfiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserAgentFor resolves a stored profile id back to its outbound identity
// string. Unknown ids fall back to the chrome_windows profile rather than
// sending an empty User-Agent.
func UserAgentFor(profile string) string {
	if ua, ok := userAgentProfiles[profile]; ok {
		return ua
	}
	return userAgentProfiles["chrome_windows"]
}
