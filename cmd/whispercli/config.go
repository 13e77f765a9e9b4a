package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const appName = "whispercli"

var errIniNotFound = errors.New("not found")

// config is the collection of all whispercli settings, from the config file
// and command line flags.
type config struct {
	// default section
	ServerAddr     string
	ServerCertPath string
	Root           string

	// log section
	LogFile     string
	MaxLogFiles int
	DebugLevel  string
	LogPings    bool

	// net section
	PingInterval time.Duration
	AwaitTimeout time.Duration

	// msg section
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// defaultConfig returns the default settings.
func defaultConfig() *config {
	return &config{
		ServerAddr:  "wss://127.0.0.1:8080/ws",
		Root:        "~/." + appName,
		LogFile:     "~/." + appName + "/logs/" + appName + ".log",
		MaxLogFiles: 5,
		DebugLevel:  "info",
	}
}

// load retrieves settings from an ini file. Additionally it expands all ~
// to the current user home directory.
func (cfg *config) load(filename string) error {
	f, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	get := func(p *string, section, field string) {
		v, ok := f.Get(section, field)
		if ok {
			*p = v
		}
	}

	get(&cfg.ServerAddr, "", "serveraddr")
	get(&cfg.ServerCertPath, "", "servercertpath")
	get(&cfg.Root, "", "root")

	get(&cfg.LogFile, "log", "logfile")
	get(&cfg.DebugLevel, "log", "debuglevel")
	if err := iniInt(f, &cfg.MaxLogFiles, "log", "maxlogfiles"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniBool(f, &cfg.LogPings, "log", "logpings"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	if err := iniDuration(f, &cfg.PingInterval, "net", "pinginterval"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(f, &cfg.AwaitTimeout, "net", "awaittimeout"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	if err := iniInt(f, &cfg.MaxAttempts, "msg", "maxattempts"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(f, &cfg.BaseDelay, "msg", "basedelay"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}
	if err := iniDuration(f, &cfg.MaxDelay, "msg", "maxdelay"); err != nil &&
		!errors.Is(err, errIniNotFound) {
		return err
	}

	return nil
}

// expandPaths resolves ~ in all path settings.
func (cfg *config) expandPaths() error {
	var err error
	if cfg.Root, err = homedir.Expand(cfg.Root); err != nil {
		return fmt.Errorf("bad root dir: %w", err)
	}
	if cfg.LogFile, err = homedir.Expand(cfg.LogFile); err != nil {
		return fmt.Errorf("bad log file: %w", err)
	}
	if cfg.ServerCertPath, err = homedir.Expand(cfg.ServerCertPath); err != nil {
		return fmt.Errorf("bad server cert path: %w", err)
	}
	return nil
}

// obtainSettings assembles the final config from defaults, the config file
// and command line flags.
func obtainSettings() (*config, error) {
	cfg := defaultConfig()

	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	cfgFlag := flag.String("cfg", filepath.Join(home, "."+appName, appName+".conf"),
		"config file")
	addrFlag := flag.String("addr", "", "server address override")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "%s %s (%s) protocol version %d\n",
			appName, appVersion, runtime.Version(), protocolVersion)
		os.Exit(0)
	}

	// A missing config file means running on defaults.
	if _, err := os.Stat(*cfgFlag); err == nil {
		if err := cfg.load(*cfgFlag); err != nil {
			return nil, fmt.Errorf("unable to load %q: %w", *cfgFlag, err)
		}
	}

	if *addrFlag != "" {
		cfg.ServerAddr = *addrFlag
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func iniBool(f ini.File, p *bool, section, key string) error {
	v, ok := f.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		*p = true
		return nil
	case "no", "false", "0":
		*p = false
		return nil
	default:
		return fmt.Errorf("[%v]%v must be yes or no", section, key)
	}
}

func iniInt(f ini.File, p *int, section, key string) error {
	v, ok := f.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(f ini.File, p *time.Duration, section, key string) error {
	v, ok := f.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
