// Package probe dials a cleartext HTTP/2 endpoint and runs a single request
// through the stream transport stack, reporting what came back.
package probe

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
	"github.com/nikolay-pshenichny/linkerd/pkg/util/typeutil"
)

const (
	_envPrefix = "H2PROBE"

	_defaultAddr    = "127.0.0.1:8080"
	_defaultMethod  = "GET"
	_defaultPath    = "/"
	_defaultScheme  = "http"
	_defaultTimeout = 10 * time.Second
)

// Config is the configuration for one probe run.
type Config struct {
	Addr      string
	Method    string
	Path      string
	Scheme    string
	Authority string
	Data      string
	Header    []string
	Timeout   typeutil.Duration

	Log *Log

	lg *zap.Logger
}

// NewConfig creates a new config from command-line arguments and an optional
// configuration file.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{Log: NewLog()}

	v, fs := configure(errOutput)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log configuration")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Info("load configuration from file.", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.Authority == "" {
		c.Authority = c.Addr
	}
	c.Scheme = strings.ToLower(c.Scheme)
	c.Method = strings.ToUpper(c.Method)
	return nil
}

// Validate checks whether the configuration is valid. It should be called
// after Adjust
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrap(err, "invalid addr")
	}
	if c.Method == "" {
		return errors.New("empty method")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.Errorf("invalid path `%s`, must begin with a slash", c.Path)
	}
	if c.Scheme != "http" {
		return errors.Errorf("invalid scheme `%s`, only cleartext http is supported", c.Scheme)
	}
	if c.Timeout.Duration <= 0 {
		return errors.Errorf("invalid timeout `%s`, must be positive", c.Timeout)
	}
	if _, err := c.ExtraHeaders(); err != nil {
		return err
	}
	return nil
}

// ExtraHeaders parses the configured additional headers into wire form.
// Empty entries are skipped.
func (c *Config) ExtraHeaders() (h2.Headers, error) {
	headers := typeutil.FilterZero(c.Header)
	hs := make(h2.Headers, 0, len(headers))
	for _, raw := range headers {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("malformed header `%s`, want 'name: value'", raw)
		}
		hs.Add(strings.ToLower(name), strings.TrimSpace(value))
	}
	return hs, nil
}

// Logger returns logger generated based on the config
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

func configure(errOutput io.Writer) (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("h2probe", pflag.ContinueOnError)
	fs.SetOutput(errOutput)

	// Viper settings
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	v.AddConfigPath(".")
	v.AddConfigPath("$CONFIG_DIR/")

	// request settings
	fs.String("addr", _defaultAddr, "endpoint to probe, host:port")
	_ = v.BindPFlag("addr", fs.Lookup("addr"))
	fs.String("method", _defaultMethod, "request method")
	_ = v.BindPFlag("method", fs.Lookup("method"))
	fs.String("path", _defaultPath, "request path")
	_ = v.BindPFlag("path", fs.Lookup("path"))
	fs.String("scheme", _defaultScheme, "request scheme, cleartext http only")
	_ = v.BindPFlag("scheme", fs.Lookup("scheme"))
	fs.String("authority", "", "request authority pseudo-header (default '${addr}')")
	_ = v.BindPFlag("authority", fs.Lookup("authority"))
	fs.String("data", "", "request body; empty probes with a bodyless request")
	_ = v.BindPFlag("data", fs.Lookup("data"))
	fs.StringSlice("header", nil, "additional request header, in 'name: value' form")
	_ = v.BindPFlag("header", fs.Lookup("header"))
	fs.String("timeout", _defaultTimeout.String(), "time budget for the whole probe")
	_ = v.BindPFlag("timeout", fs.Lookup("timeout"))

	logConfigure(v, fs)

	return v, fs
}
