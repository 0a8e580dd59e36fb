// Package runtime assembles a running spooltrack service from configuration:
// the tabular gateway, the lock service, the repositories and workflow, and
// the HTTP server with its lifecycle.
package runtime

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// SheetsConfig locates the spreadsheet and bounds the write rate.
type SheetsConfig struct {
	SpreadsheetID   string `long:"spreadsheet" env:"SPREADSHEET_ID" required:"true" description:"Spreadsheet id holding the Operaciones, Uniones, Trabajadores and Metadata worksheets"`
	CredentialsFile string `long:"credentials" env:"CREDENTIALS_FILE" required:"true" description:"Path to the service-account credentials JSON"`
	WriteTarget     int    `long:"write-target" env:"WRITE_TARGET" default:"30" description:"Sustained writes per minute before warnings are logged"`
	WriteQuota      int    `long:"write-quota" env:"WRITE_QUOTA" default:"60" description:"Upstream write quota per minute"`
}

// EtcdConfig locates the lock backend.
type EtcdConfig struct {
	Endpoints  []string      `long:"endpoint" env:"ENDPOINTS" env-delim:"," default:"http://localhost:2379" description:"Etcd endpoint, repeatable"`
	LockPrefix string        `long:"lock-prefix" env:"LOCK_PREFIX" default:"/spooltrack/locks" description:"Key prefix of occupation locks"`
	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"Etcd dial timeout"`
	InMemory   bool          `long:"in-memory" env:"IN_MEMORY" description:"Use in-process locks instead of etcd (single node only)"`
}

// APIConfig shapes the HTTP surface.
type APIConfig struct {
	Port            int           `long:"port" env:"PORT" default:"8080" description:"Port to serve the API on"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"10s" description:"Grace given to in-flight requests on shutdown"`
}

// LogConfig configures logging of the process.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// Config is the full service configuration.
type Config struct {
	Sheets SheetsConfig `group:"Sheets" namespace:"sheets" env-namespace:"SHEETS"`
	Etcd   EtcdConfig   `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	API    APIConfig    `group:"API" namespace:"api" env-namespace:"API"`
	Log    LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// InitLog applies the logging configuration to the process logger.
func InitLog(cfg LogConfig) error {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	var level, err = log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	return nil
}
