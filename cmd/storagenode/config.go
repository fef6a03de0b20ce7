package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/store"
)

// Config is the merged view of command-line flags and the optional
// INI-style config file inside the data directory. Flags set explicitly
// on the command line win over file values.
type Config struct {
	IP   string
	Port string

	DataDir    string
	ConfigFile string
	LogLevel   string

	DaemonRPCIP   string
	DaemonRPCPort int

	Stagenet   bool
	ForceStart bool

	Database store.Config

	Params snode.NetworkParams
}

const defaultConfigFileName = "storage.ini"

// parseConfig reads flags and the config file. It returns errVersion or
// flag.ErrHelp for the informational exits.
func parseConfig(args []string) (*Config, error) {
	cfg := &Config{
		Database: store.Config{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "postgres",
			Database: "storagenode",
		},
	}

	fs := flag.NewFlagSet("storagenode", flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir(), "Directory for the database, certificates and logs")
	fs.StringVar(&cfg.ConfigFile, "config-file", "", "Config file path (default <data-dir>/"+defaultConfigFileName+")")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.DaemonRPCIP, "arqmad-rpc-ip", "127.0.0.1", "Daemon RPC address")
	fs.IntVar(&cfg.DaemonRPCPort, "arqmad-rpc-port", 0, "Daemon RPC port (default by network)")
	fs.BoolVar(&cfg.Stagenet, "stagenet", false, "Run against stagenet")
	fs.BoolVar(&cfg.ForceStart, "force-start", false, "Serve traffic even without a swarm assignment")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: storagenode [options] <ip> <port>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, errVersion
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return nil, fmt.Errorf("expected positional arguments <ip> <port>")
	}
	cfg.IP = fs.Arg(0)
	cfg.Port = fs.Arg(1)

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if err := cfg.loadConfigFile(explicit); err != nil {
		return nil, err
	}

	if cfg.Stagenet {
		cfg.Params = snode.StagenetParams()
	} else {
		cfg.Params = snode.MainnetParams()
	}
	if cfg.DaemonRPCPort == 0 {
		cfg.DaemonRPCPort = cfg.Params.DefaultDaemonPort
	}

	return cfg, nil
}

// loadConfigFile fills settings from the INI file for any key the command
// line did not set explicitly.
func (c *Config) loadConfigFile(explicit map[string]bool) error {
	path := c.ConfigFile
	if path == "" {
		path = filepath.Join(c.DataDir, defaultConfigFileName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}

	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}

	root := file.Section("")
	readString := func(key string, dst *string) {
		if !explicit[key] && root.HasKey(key) {
			*dst = root.Key(key).String()
		}
	}
	readBool := func(key string, dst *bool) {
		if !explicit[key] && root.HasKey(key) {
			if v, err := root.Key(key).Bool(); err == nil {
				*dst = v
			}
		}
	}

	readString("log-level", &c.LogLevel)
	readString("arqmad-rpc-ip", &c.DaemonRPCIP)
	if !explicit["arqmad-rpc-port"] && root.HasKey("arqmad-rpc-port") {
		if v, err := root.Key("arqmad-rpc-port").Int(); err == nil {
			c.DaemonRPCPort = v
		}
	}
	readBool("stagenet", &c.Stagenet)
	readBool("force-start", &c.ForceStart)

	db := file.Section("database")
	if db.HasKey("host") {
		c.Database.Host = db.Key("host").String()
	}
	if db.HasKey("port") {
		if v, err := db.Key("port").Int(); err == nil {
			c.Database.Port = v
		}
	}
	if db.HasKey("user") {
		c.Database.User = db.Key("user").String()
	}
	if db.HasKey("password") {
		c.Database.Password = db.Key("password").String()
	}
	if db.HasKey("name") {
		c.Database.Database = db.Key("name").String()
	}
	if db.HasKey("sslmode") {
		c.Database.SSLMode = db.Key("sslmode").String()
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".storagenode"
	}
	return filepath.Join(home, ".storagenode")
}
