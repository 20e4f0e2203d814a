package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
data:
  database:
    source: "user:pass@tcp(127.0.0.1:3306)/mailsentry"
auth:
  encryption:
    key: "0123456789abcdef0123456789abcdef"
provider:
  client_id: "cid"
  client_secret: "csec"
`

func TestNewBootstrap_MinimalConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	// Defaults applied.
	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 10, bc.Detection.BatchSize)
	assert.Equal(t, 50, bc.Detection.MaxMessagesPerPoll)
	assert.Equal(t, 7, bc.Detection.BounceLookbackDays)
	assert.Equal(t, 30, bc.Detection.ReplyLookbackDays)
	assert.Equal(t, "0 */5 * * * *", bc.Detection.BounceCron)
	assert.Equal(t, 20*time.Minute, bc.Detection.RunTimeout.AsDuration())
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)

	// Required fields loaded.
	assert.Equal(t, "user:pass@tcp(127.0.0.1:3306)/mailsentry", bc.Data.Database.Source)
	assert.Equal(t, "cid", bc.Provider.ClientId)
}

func TestNewBootstrap_Overrides(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
detection:
  batch_size: 25
  bounce_cron: "0 */2 * * * *"
log:
  level: debug
  format: console
`)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	assert.Equal(t, 25, bc.Detection.BatchSize)
	assert.Equal(t, "0 */2 * * * *", bc.Detection.BounceCron)
	assert.Equal(t, "debug", bc.Log.Level)
	assert.Equal(t, "console", bc.Log.Format)
}

func TestNewBootstrap_RedisAuth(t *testing.T) {
	path := writeConfig(t, `
data:
  database:
    source: "user:pass@tcp(127.0.0.1:3306)/mailsentry"
  redis:
    addr: "redis.internal:6380"
    password: "hunter2"
    db: 3
auth:
  encryption:
    key: "0123456789abcdef0123456789abcdef"
provider:
  client_id: "cid"
  client_secret: "csec"
`)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", bc.Data.Redis.Addr)
	assert.Equal(t, "hunter2", bc.Data.Redis.Password)
	assert.Equal(t, int32(3), bc.Data.Redis.Db)
}

func TestNewBootstrap_MissingRequired(t *testing.T) {
	path := writeConfig(t, `
log:
  level: info
`)

	_, err := NewBootstrap(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.database.source")
	assert.Contains(t, err.Error(), "auth.encryption.key")
	assert.Contains(t, err.Error(), "provider.client_id")
}

func TestNewBootstrap_EnvOverride(t *testing.T) {
	t.Setenv("MYSQL_DSN", "env:dsn@tcp(db:3306)/mailsentry")
	t.Setenv("ENCRYPTION_KEY", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("OAUTH_CLIENT_ID", "env-cid")
	t.Setenv("OAUTH_CLIENT_SECRET", "env-csec")

	bc, err := NewBootstrap("")
	require.NoError(t, err)

	assert.Equal(t, "env:dsn@tcp(db:3306)/mailsentry", bc.Data.Database.Source)
	assert.Equal(t, "env-cid", bc.Provider.ClientId)
}

func TestNewBootstrap_MissingFile(t *testing.T) {
	_, err := NewBootstrap("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(&Bootstrap{}))

	ok := &Bootstrap{
		Data:     &Data{Database: &Data_Database{Source: "dsn"}},
		Auth:     &Auth{Encryption: &Auth_Encryption{Key: "k"}},
		Provider: &Provider{ClientId: "a", ClientSecret: "b"},
	}
	assert.NoError(t, Validate(ok))
}
