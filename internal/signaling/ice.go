package signaling

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// DefaultICEURLs are public STUN endpoints used when none are configured.
var DefaultICEURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// NewICEServers builds the list pushed to devices. TURN urls get the shared
// credentials; STUN urls go out bare.
func NewICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = DefaultICEURLs
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{u}}
		if isTURN(u) && username != "" {
			server.Username = username
			server.Credential = credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

func isTURN(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:")
}
