package util

import "testing"

func TestClassifyHost(t *testing.T) {
	tests := []struct {
		host string
		want HostClass
	}{
		{"localhost", HostLoopback},
		{"127.0.0.1", HostLoopback},
		{"127.8.9.10", HostLoopback},
		{"[::1]", HostLoopback},
		{"::1", HostLoopback},
		{"0.0.0.0", HostUnspecified},
		{"169.254.169.254", HostLinkLocal},
		{"fe80::1", HostLinkLocal},
		{"10.0.0.1", HostPrivate},
		{"192.168.1.1", HostPrivate},
		{"8.8.8.8", HostPublic},
		{"app.example.com", HostPublic},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := ClassifyHost(tt.host); got != tt.want {
				t.Errorf("ClassifyHost(%q) = %s, want %s", tt.host, got, tt.want)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/callback", false},
		{"http://localhost:8080/callback", false},
		{"http://127.0.0.1/cb", false},
		{"com.example.app:/oauth2redirect", false},
		{"http://app.example.com/callback", true},
		{"https://app.example.com/callback#frag", true},
		{"/relative/callback", true},
		{"javascript:alert(1)", true},
		{"https://169.254.169.254/latest", true},
		{"https://0.0.0.0/cb", true},
		{"https:///no-host", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
