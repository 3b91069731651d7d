package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// Provider identifies a cloud storage backend.
type Provider string

const (
	// ProviderDropbox is Dropbox.
	ProviderDropbox Provider = "dropbox"
	// ProviderGoogleDrive is Google Drive.
	ProviderGoogleDrive Provider = "googleDrive"
)

// Providers returns every supported provider.
func Providers() []Provider {
	return []Provider{ProviderDropbox, ProviderGoogleDrive}
}

// IsValid checks if the provider is supported.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderDropbox, ProviderGoogleDrive:
		return true
	}
	return false
}

// RcloneName returns the rclone backend type for the provider.
func (p Provider) RcloneName() string {
	switch p {
	case ProviderDropbox:
		return "dropbox"
	case ProviderGoogleDrive:
		return "drive"
	}
	return ""
}

// OAuthName returns the name the catalog uses for the provider's OAuth connection.
func (p Provider) OAuthName() string {
	switch p {
	case ProviderDropbox:
		return "dropbox"
	case ProviderGoogleDrive:
		return "google"
	}
	return ""
}

// MetadataName returns the provider label written to snapshot metadata files.
func (p Provider) MetadataName() string {
	return string(p)
}

// DisplayName returns a user facing provider name.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderDropbox:
		return "Dropbox"
	case ProviderGoogleDrive:
		return "Google Drive"
	}
	return string(p)
}

// ProviderFromRclone maps an rclone backend type to a Provider.
func ProviderFromRclone(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "dropbox":
		return ProviderDropbox, nil
	case "drive":
		return ProviderGoogleDrive, nil
	}
	return "", fmt.Errorf("unknown rclone provider: %q", name)
}

// ProviderFromOAuth maps a catalog OAuth provider name to a Provider.
func ProviderFromOAuth(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "dropbox":
		return ProviderDropbox, nil
	case "google":
		return ProviderGoogleDrive, nil
	}
	return "", fmt.Errorf("unknown oauth provider: %q", name)
}

// ParseProvider accepts any of the provider spellings.
func ParseProvider(name string) (Provider, error) {
	if p := Provider(name); p.IsValid() {
		return p, nil
	}
	if p, err := ProviderFromRclone(name); err == nil {
		return p, nil
	}
	return ProviderFromOAuth(name)
}

// ProviderCredentials holds what rclone needs to configure a remote without
// a config file.
type ProviderCredentials struct {
	Provider Provider `json:"provider"`
	Type     string   `json:"type"`
	ClientID string   `json:"client_id,omitempty"`
	// Token is the rclone OAuth token JSON.
	Token  string `json:"token"`
	AppKey string `json:"app_key,omitempty"`
}

type tokenPayload struct {
	oauth2.Token
	AccountID string `json:"account_id,omitempty"`
}

func (c *ProviderCredentials) payload() (*tokenPayload, error) {
	if strings.TrimSpace(c.Token) == "" {
		return nil, fmt.Errorf("empty token")
	}
	var p tokenPayload
	if err := json.Unmarshal([]byte(c.Token), &p); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &p, nil
}

// AccessToken decodes the OAuth token. A token without an access token is
// reported as an error.
func (c *ProviderCredentials) AccessToken() (*oauth2.Token, error) {
	p, err := c.payload()
	if err != nil {
		return nil, err
	}
	if p.AccessToken == "" {
		return nil, fmt.Errorf("token has no access_token")
	}
	return &p.Token, nil
}

// AccountID returns the account identifier embedded in the token payload,
// if any.
func (c *ProviderCredentials) AccountID() (string, error) {
	p, err := c.payload()
	if err != nil {
		return "", err
	}
	return p.AccountID, nil
}
