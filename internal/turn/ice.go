package turn

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"
)

var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PublicFallback is served whenever no relay credential can be issued.
var PublicFallback = []webrtc.ICEServer{
	{URLs: []string{"turn:openrelay.metered.ca:443"}, Username: "openrelayproject", Credential: "openrelayproject"},
	{URLs: []string{"turn:openrelay.metered.ca:443?transport=tcp"}, Username: "openrelayproject", Credential: "openrelayproject"},
}

type ICEConfig struct {
	STUNURLs []string
	TURNURL  string
	TTL      time.Duration
}

// ICEServers builds the iceServers list for identity. It never fails: any
// problem issuing a credential degrades to the public fallback relays.
func ICEServers(issuer *Issuer, cfg ICEConfig, identity string, logger *log.Logger) []webrtc.ICEServer {
	stun := cfg.STUNURLs
	if len(stun) == 0 {
		stun = DefaultSTUNURLs
	}
	servers := make([]webrtc.ICEServer, 0, len(stun)+len(PublicFallback))
	for _, u := range stun {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	if cfg.TURNURL == "" || !issuer.Configured() {
		return append(servers, PublicFallback...)
	}
	cred, err := issuer.Issue(identity, cfg.TTL)
	if err != nil {
		if logger != nil {
			logger.Printf("turn: credential derivation failed, serving fallback: %v", err)
		}
		return append(servers, PublicFallback...)
	}
	return append(servers, webrtc.ICEServer{
		URLs:       []string{cfg.TURNURL},
		Username:   cred.Username,
		Credential: cred.Password,
	})
}
