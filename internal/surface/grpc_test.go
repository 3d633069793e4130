package surface

import (
	"testing"
)

func TestGatewayCreds(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		useTLS     bool
		wantProto  string
		wantTarget string
	}{
		{"plain endpoint", "gateway:50051", false, "insecure", "gateway:50051"},
		{"tls flag forces tls", "gateway:50051", true, "tls", "gateway:50051"},
		{"https scheme implies tls", "https://gateway.example.com", false, "tls", "gateway.example.com"},
		{"port 443 implies tls", "gateway.example.com:443", false, "tls", "gateway.example.com:443"},
		{"http scheme stripped", "http://gateway:50051", false, "insecure", "gateway:50051"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, target := gatewayCreds(tt.endpoint, tt.useTLS)
			if got := creds.Info().SecurityProtocol; got != tt.wantProto {
				t.Errorf("Expected protocol %s, got %s", tt.wantProto, got)
			}
			if target != tt.wantTarget {
				t.Errorf("Expected target %s, got %s", tt.wantTarget, target)
			}
		})
	}
}
