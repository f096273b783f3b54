package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceURL(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		ssl     bool
		want    string
	}{
		{"ssl default port", Session{Host: "na1.example.test"}, true, "https://na1.example.test"},
		{"ssl explicit 443", Session{Host: "na1.example.test", SSLPort: 443}, true, "https://na1.example.test"},
		{"ssl custom port", Session{Host: "na1.example.test", SSLPort: 8443}, true, "https://na1.example.test:8443"},
		{"plain default port", Session{Host: "na1.example.test"}, false, "http://na1.example.test"},
		{"plain custom port", Session{Host: "na1.example.test", Port: 8080}, false, "http://na1.example.test:8080"},
		{"trailing slash trimmed", Session{Host: "na1.example.test/"}, true, "https://na1.example.test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.InstanceURL(tt.ssl))
		})
	}
}

func TestSessionClone(t *testing.T) {
	orig := &Session{Host: "na1.example.test", AccessToken: "tok"}
	clone := orig.Clone()

	clone.AccessToken = "other"
	assert.Equal(t, "tok", orig.AccessToken)
}

func TestReachabilityString(t *testing.T) {
	assert.Equal(t, "none", NotReachable.String())
	assert.Equal(t, "wwan", ReachableViaWWAN.String())
	assert.Equal(t, "wifi", ReachableViaWiFi.String())
}
