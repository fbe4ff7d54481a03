package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Opt is a single command-line option
type Opt struct {
	DestP   any // pointer to the destination
	Flag    string
	Default any
	Desc    string
}

// NewOpt creates a new command line option.
func NewOpt(destP any, flag string, dflt any, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// NewViper returns a viper instance that reads environment variables named
// after the upper-cased prefix, with "-" in keys normalized to "_".
func NewViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(prefix))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// BindOptions adds opts to flags and registers them with v, so that a flag
// set on the command line wins over the environment, which wins over the
// config file, which wins over the default.
func BindOptions(v *viper.Viper, flags *pflag.FlagSet, opts []Opt) error {
	for _, o := range opts {
		switch o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			flags.String(o.Flag, d, o.Desc)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			flags.Int(o.Flag, d, o.Desc)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			flags.Bool(o.Flag, d, o.Desc)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			flags.Duration(o.Flag, d, o.Desc)
		default:
			return fmt.Errorf("unknown destination type %T for option %s", o.DestP, o.Flag)
		}

		v.SetDefault(o.Flag, o.Default)
		if err := v.BindPFlag(o.Flag, flags.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind option %s: %w", o.Flag, err)
		}
	}
	return nil
}

// Load copies the resolved value of every option into its destination.
func Load(v *viper.Viper, opts []Opt) {
	for _, o := range opts {
		switch destP := o.DestP.(type) {
		case *string:
			*destP = v.GetString(o.Flag)
		case *int:
			*destP = v.GetInt(o.Flag)
		case *bool:
			*destP = v.GetBool(o.Flag)
		case *time.Duration:
			*destP = v.GetDuration(o.Flag)
		}
	}
}

// ReadFile reads the config file at path. With an empty path it looks for
// <name>.{yaml,toml,json} in the working directory and is silent when there is none.
func ReadFile(v *viper.Viper, path, name string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
