package config

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Base holds the options every plugin instance accepts.
type Base struct {
	Enabled bool                   `mapstructure:"enabled"`
	Type    string                 `mapstructure:"type"`
	Debug   map[string]interface{} `mapstructure:"debug"`
}

// RateLimit holds the rate-limit options of a collector instance.
type RateLimit struct {
	MaxInterval  time.Duration `mapstructure:"max-interval" validate:"gte=0"`
	Sampling     int           `mapstructure:"sampling" validate:"gte=0"`
	InitialDelay bool          `mapstructure:"initial-delay"`
}

// Configured returns true if any of the limiting conditions is set.
func (rl RateLimit) Configured() bool {
	return rl.MaxInterval > 0 || rl.Sampling > 0
}

var validate = validator.New()

var regexpType = reflect.TypeOf(&regexp.Regexp{})

// Decode unmarshals v into out, which must be a pointer to a struct with mapstructure tags, then validates
// out using its validate tags. Strings are converted to durations, comma separated slices and compiled
// regular expressions as required by the target fields.
func Decode(v *viper.Viper, out interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToRegexpHookFunc(),
	)
	if err := v.Unmarshal(out, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("decoding configuration: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func stringToRegexpHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != regexpType {
			return data, nil
		}
		re, err := regexp.Compile(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression %q: %w", data, err)
		}
		return re, nil
	}
}
