// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment
// variables, with CLI flag overrides.
package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration.
type Bootstrap struct {
	Server    *Server
	Data      *Data
	Auth      *Auth
	Provider  *Provider
	Detection *Detection
	Log       *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds the operational HTTP endpoint configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds data source configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the MySQL configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the shared coordination store configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Auth holds credential encryption configuration.
type Auth struct {
	Encryption *Auth_Encryption
}

// Auth_Encryption holds the AES key for stored mailbox credentials.
type Auth_Encryption struct {
	Key string
}

// Provider holds the mail-provider API configuration.
type Provider struct {
	BaseUrl      string
	TokenUrl     string
	ClientId     string
	ClientSecret string
	ProxyUrl     string
	Timeout      *durationpb.Duration
}

// Detection holds the polling engine configuration.
type Detection struct {
	// Cron specs use the six-field form (with seconds).
	BounceCron       string
	ReplyCron        string
	TokenRefreshCron string
	QuotaSweepCron   string

	// BatchSize bounds how many accounts one batch processes in parallel.
	BatchSize int
	// MaxMessagesPerPoll bounds one account's candidate fetch.
	MaxMessagesPerPoll int
	// BounceLookbackDays bounds the sent-message match window for bounces.
	BounceLookbackDays int
	// ReplyLookbackDays bounds the sent-message scan window for replies.
	ReplyLookbackDays int
	// RunTimeout bounds one orchestrator pass.
	RunTimeout *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
