// Package config loads retro-server's INI configuration file, mirroring
// the on-disk layout and section/key names spec.md §6 defines, plus the
// additive [adminapi] section this repository's expansion adds.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the fully-resolved server configuration, defaults applied.
type Config struct {
	// [default]
	LogLevel      string
	LogFile       string
	Daemonize     bool
	DaemonDir     string
	PidFile       string
	UserDir       string
	UploadDir     string
	MsgDir        string
	KeyFile       string
	CertFile      string
	RecvTimeout   time.Duration
	AcceptTimeout time.Duration

	// [server]
	ServerAddress  string
	ServerPort     int
	MaxConnections int // 0 = unlimited
	PerIPLimit     int // 0 = unlimited

	// [fileserver]
	FileServerEnabled     bool
	FileServerPort        int
	FileServerMaxFileSize int64
	FileServerDeleteFiles bool

	// [audioserver]
	AudioServerEnabled bool
	AudioServerPort    int

	// [adminapi] (new)
	AdminAPIEnabled bool
	AdminAPIPort    int

	// ConfigDir is the directory the config file was loaded from; relative
	// on-disk paths (userdir, uploaddir, ...) are resolved against it.
	ConfigDir string
}

// defaultMaxFileSize matches the original's RETRO_MAX_FILESIZE (1 GiB).
const defaultMaxFileSize = 0x40000000

// Load reads <dir>/config.txt and returns a fully-populated Config with
// defaults filled in for anything the file omits.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.txt")
	file, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	def := file.Section("default")
	srv := file.Section("server")
	fsrv := file.Section("fileserver")
	asrv := file.Section("audioserver")
	admin := file.Section("adminapi")

	cfg := &Config{
		ConfigDir: dir,

		LogLevel:      def.Key("loglevel").MustString("info"),
		LogFile:       def.Key("logfile").MustString(""),
		Daemonize:     def.Key("daemonize").MustBool(false),
		DaemonDir:     def.Key("daemondir").MustString(""),
		PidFile:       def.Key("pidfile").MustString(filepath.Join(dir, "retro_server.pid")),
		UserDir:       resolvePath(dir, def.Key("userdir").MustString("users")),
		UploadDir:     resolvePath(dir, def.Key("uploaddir").MustString("uploads")),
		MsgDir:        resolvePath(dir, def.Key("msgdir").MustString("msg")),
		KeyFile:       resolvePath(dir, def.Key("keyfile").MustString("certs/key.pem")),
		CertFile:      resolvePath(dir, def.Key("certfile").MustString("certs/cert.pem")),
		RecvTimeout:   time.Duration(def.Key("recv_timeout").MustInt(10)) * time.Second,
		AcceptTimeout: time.Duration(def.Key("accept_timeout").MustInt(3)) * time.Second,

		ServerAddress:  srv.Key("address").MustString("0.0.0.0"),
		ServerPort:     srv.Key("port").MustInt(8443),
		MaxConnections: srv.Key("max_connections").MustInt(0),
		PerIPLimit:     srv.Key("per_ip_limit").MustInt(0),

		FileServerEnabled:     fsrv.Key("enabled").MustBool(false),
		FileServerPort:        fsrv.Key("port").MustInt(8444),
		FileServerMaxFileSize: fsrv.Key("max_filesize").MustInt64(defaultMaxFileSize),
		FileServerDeleteFiles: fsrv.Key("delete_files").MustBool(true),

		AudioServerEnabled: asrv.Key("enabled").MustBool(false),
		AudioServerPort:    asrv.Key("port").MustInt(8445),

		AdminAPIEnabled: admin.Key("enabled").MustBool(false),
		AdminAPIPort:    admin.Key("port").MustInt(8446),
	}

	if cfg.RecvTimeout <= 0 {
		return nil, fmt.Errorf("config: recv_timeout must be positive")
	}
	if cfg.AcceptTimeout <= 0 {
		return nil, fmt.Errorf("config: accept_timeout must be positive")
	}

	return cfg, nil
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// ServerDB is the path to the Directory's sqlite database.
func (c *Config) ServerDB() string {
	return filepath.Join(c.ConfigDir, "server.db")
}
