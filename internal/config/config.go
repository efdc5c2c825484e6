// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	API            API            `yaml:"api"`
	Realtime       Realtime       `yaml:"realtime"`
	Credentials    Credentials    `yaml:"credentials"`
	Account        Account        `yaml:"account"`
	Feed           Feed           `yaml:"feed"`
	OrderWatch     OrderWatch     `yaml:"orderWatch"`
	TokenRefresher TokenRefresher `yaml:"tokenRefresher"`
}

type API struct {
	// MTLS optionally authenticates the client to the gateway.
	MTLS *commoncfg.MTLS `yaml:"mtls"`

	BaseURL     string        `yaml:"baseURL" default:"https://api.p2pdesk.io"`
	Timeout     time.Duration `yaml:"timeout" default:"30s"`
	LoginPath   string        `yaml:"loginPath" default:"/auth/login"`
	RefreshPath string        `yaml:"refreshPath" default:"/auth/refresh"`
	LogoutPath  string        `yaml:"logoutPath" default:"/auth/logout"`
	ProfilePath string        `yaml:"profilePath" default:"/client/profile"`
}

type Realtime struct {
	BaseURL          string        `yaml:"baseURL" default:"wss://push.p2pdesk.io"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" default:"10s"`
	Reconnect        Reconnect     `yaml:"reconnect"`
}

// Reconnect bounds the automatic reconnects of a dropped channel. MaxAttempts 0 disables them.
type Reconnect struct {
	MaxAttempts         int           `yaml:"maxAttempts" default:"5"`
	InitialInterval     time.Duration `yaml:"initialInterval" default:"500ms"`
	MaxInterval         time.Duration `yaml:"maxInterval" default:"30s"`
	Multiplier          float64       `yaml:"multiplier" default:"2"`
	RandomizationFactor float64       `yaml:"randomizationFactor" default:"0.5"`
}

type Credentials struct {
	ValKey ValKey `yaml:"valkey"`
	// Account separates the credentials of several users sharing one store.
	Account    string        `yaml:"account" default:"default"`
	ProfileTTL time.Duration `yaml:"profileTTL" default:"24h"`
}

type ValKey struct {
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`

	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"exchange-client"`
}

// Account holds the login used by non-interactive commands.
type Account struct {
	Email    string              `yaml:"email"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type Feed struct {
	PageSize           int     `yaml:"pageSize" default:"20"`
	EvictOnFilterDrift bool    `yaml:"evictOnFilterDrift"`
	Side               string  `yaml:"side"`
	BaseAsset          string  `yaml:"baseAsset"`
	QuoteAsset         string  `yaml:"quoteAsset"`
	PaymentMethod      string  `yaml:"paymentMethod"`
	Amount             float64 `yaml:"amount"`
}

// OrderWatch selects the order followed by order-watch. Without an OrderID a
// new order is opened against OfferID first.
type OrderWatch struct {
	OrderID       string  `yaml:"orderID"`
	OfferID       string  `yaml:"offerID"`
	Amount        float64 `yaml:"amount"`
	PaymentMethod string  `yaml:"paymentMethod"`
	PageSize      int     `yaml:"pageSize" default:"50"`
}

type TokenRefresher struct {
	RefreshInterval time.Duration `yaml:"refreshInterval" default:"1m"`
	// RefreshBefore is how long before expiry an access token is renewed.
	RefreshBefore time.Duration `yaml:"refreshBefore" default:"5m"`
}
