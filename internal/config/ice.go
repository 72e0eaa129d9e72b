package config

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// parseFallbackSTUN builds the static fallback ICE server list from a
// comma-separated URL list. Only credential-free schemes are accepted here;
// TURN requires per-session credentials, which the fallback by definition
// does not have. Empty input means "use the built-in default" (nil).
func parseFallbackSTUN(raw string) ([]webrtc.ICEServer, error) {
	urls := splitCommaSeparated(raw)
	if len(urls) == 0 {
		return nil, nil
	}
	for _, url := range urls {
		if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "stuns:") {
			return nil, fmt.Errorf("unsupported fallback url scheme: %q", url)
		}
	}
	return []webrtc.ICEServer{{URLs: urls}}, nil
}
