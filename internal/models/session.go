package models

import (
	"fmt"
	"strings"
)

// Session carries everything needed to reach the remote origin: where to
// connect, as which user, in which org, and with what access token.
//
// A Session is immutable once handed to the engine. The session-refresh
// collaborator replaces it wholesale; it is never mutated field by field
// while operations may be reading it.
type Session struct {
	Host           string `json:"host"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Port           int    `json:"port"`
	SSLPort        int    `json:"ssl_port"`
	APIPath        string `json:"api_path"`
	AccessToken    string `json:"access_token"`
}

// InstanceURL returns the base URL for the session host.
func (s *Session) InstanceURL(ssl bool) string {
	host := strings.TrimSuffix(s.Host, "/")
	if ssl {
		if s.SSLPort > 0 && s.SSLPort != 443 {
			return fmt.Sprintf("https://%s:%d", host, s.SSLPort)
		}
		return "https://" + host
	}
	if s.Port > 0 && s.Port != 80 {
		return fmt.Sprintf("http://%s:%d", host, s.Port)
	}
	return "http://" + host
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}
