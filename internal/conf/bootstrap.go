package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// MAILSENTRY_.
//
// Configuration priority: CLI flags > Environment variables > Config file >
// Defaults.
//
// Required environment variables:
//   - MYSQL_DSN or MAILSENTRY_DATA_DATABASE_SOURCE: MySQL connection string
//   - ENCRYPTION_KEY or MAILSENTRY_AUTH_ENCRYPTION_KEY: credential key
//   - OAUTH_CLIENT_ID / OAUTH_CLIENT_SECRET: provider OAuth client
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MAILSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "MAILSENTRY_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "MAILSENTRY_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "MAILSENTRY_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("auth.encryption.key", "ENCRYPTION_KEY", "MAILSENTRY_AUTH_ENCRYPTION_KEY")
	_ = v.BindEnv("provider.client_id", "OAUTH_CLIENT_ID", "MAILSENTRY_PROVIDER_CLIENT_ID")
	_ = v.BindEnv("provider.client_secret", "OAUTH_CLIENT_SECRET", "MAILSENTRY_PROVIDER_CLIENT_SECRET")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Auth: &Auth{
			Encryption: &Auth_Encryption{
				Key: v.GetString("auth.encryption.key"),
			},
		},
		Provider: &Provider{
			BaseUrl:      v.GetString("provider.base_url"),
			TokenUrl:     v.GetString("provider.token_url"),
			ClientId:     v.GetString("provider.client_id"),
			ClientSecret: v.GetString("provider.client_secret"),
			ProxyUrl:     v.GetString("provider.proxy_url"),
			Timeout:      durationpb.New(v.GetDuration("provider.timeout")),
		},
		Detection: &Detection{
			BounceCron:         v.GetString("detection.bounce_cron"),
			ReplyCron:          v.GetString("detection.reply_cron"),
			TokenRefreshCron:   v.GetString("detection.token_refresh_cron"),
			QuotaSweepCron:     v.GetString("detection.quota_sweep_cron"),
			BatchSize:          v.GetInt("detection.batch_size"),
			MaxMessagesPerPoll: v.GetInt("detection.max_messages_per_poll"),
			BounceLookbackDays: v.GetInt("detection.bounce_lookback_days"),
			ReplyLookbackDays:  v.GetInt("detection.reply_lookback_days"),
			RunTimeout:         durationpb.New(v.GetDuration("detection.run_timeout")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	v.SetDefault("data.database.driver", "mysql")
	// data.database.source (MYSQL_DSN) is required from environment.

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.password", "")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("detection.bounce_cron", "0 */5 * * * *")
	v.SetDefault("detection.reply_cron", "0 2/10 * * * *")
	v.SetDefault("detection.token_refresh_cron", "0 0 * * * *")
	v.SetDefault("detection.quota_sweep_cron", "0 1 0 * * *")
	v.SetDefault("detection.batch_size", 10)
	v.SetDefault("detection.max_messages_per_poll", 50)
	v.SetDefault("detection.bounce_lookback_days", 7)
	v.SetDefault("detection.reply_lookback_days", 30)
	v.SetDefault("detection.run_timeout", 20*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Auth == nil || bc.Auth.Encryption == nil || bc.Auth.Encryption.Key == "" {
		missingFields = append(missingFields, "auth.encryption.key (ENCRYPTION_KEY)")
	}

	if bc.Provider == nil || bc.Provider.ClientId == "" {
		missingFields = append(missingFields, "provider.client_id (OAUTH_CLIENT_ID)")
	}
	if bc.Provider == nil || bc.Provider.ClientSecret == "" {
		missingFields = append(missingFields, "provider.client_secret (OAUTH_CLIENT_SECRET)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
