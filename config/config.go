// Package config loads account settings from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lanternchat/go-xcm/pkg"
)

const (
	DefaultPort          = 5222
	DefaultOldSSLPort    = 5223
	DefaultResource      = "xcm"
	DefaultKeepAliveSecs = 30
)

// Account is everything needed to run one session.
type Account struct {
	// Account is the jid, user@server with an optional /resource.
	Account  string `yaml:"account"`
	Password string `yaml:"password"`
	Resource string `yaml:"resource"`

	// Server overrides the host to connect to; the jid's domain is
	// used when empty.
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	OldSSL bool   `yaml:"old-ssl"`

	// Register creates the account on the server before logging in.
	Register bool `yaml:"register"`

	// ConferenceServer qualifies bare room names when discovery finds
	// no conference service.
	ConferenceServer string `yaml:"conference-server"`

	KeepAliveSecs int `yaml:"keepalive-secs"`

	HTTPSProxyServer string `yaml:"https-proxy-server"`
	HTTPSProxyPort   int    `yaml:"https-proxy-port"`
}

func Load(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Account, error) {
	a := &Account{
		Resource:      DefaultResource,
		KeepAliveSecs: DefaultKeepAliveSecs,
	}
	if err := yaml.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	a.applyDefaults()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Account) applyDefaults() {
	if a.Port == 0 {
		if a.OldSSL {
			a.Port = DefaultOldSSLPort
		} else {
			a.Port = DefaultPort
		}
	}
	if a.Resource == "" {
		a.Resource = DefaultResource
	}
}

func (a *Account) Validate() error {
	user, rest, ok := strings.Cut(a.Account, "@")
	if !ok || user == "" || rest == "" {
		return fmt.Errorf("%w: account %q is not of the form user@server", pkg.ErrInvalidArgument, a.Account)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", pkg.ErrInvalidArgument, a.Port)
	}
	if a.KeepAliveSecs < 0 {
		return fmt.Errorf("%w: negative keepalive interval", pkg.ErrInvalidArgument)
	}
	if a.HTTPSProxyServer != "" && (a.HTTPSProxyPort < 1 || a.HTTPSProxyPort > 65535) {
		return fmt.Errorf("%w: proxy port %d out of range", pkg.ErrInvalidArgument, a.HTTPSProxyPort)
	}
	return nil
}

// Domain is the server part of the account jid.
func (a *Account) Domain() string {
	_, rest, _ := strings.Cut(a.Account, "@")
	domain, _, _ := strings.Cut(rest, "/")
	return domain
}

// ConnectHost is the host the stream should dial.
func (a *Account) ConnectHost() string {
	if a.Server != "" {
		return a.Server
	}
	return a.Domain()
}
