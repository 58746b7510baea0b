package config

import (
	"bytes"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "CONSIGNMENT_"

// Config stores global configuration
type Config struct {
	// Logging level
	LogLevel string

	// REST API address
	ListenAddress string

	// Maximum time the server will be closing before stop is forced.
	StopTimeout time.Duration

	Database   Database
	Ledger     Ledger
	Record     Record
	Sync       Sync
	Projection Projection
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "INFO")
	v.SetDefault("ListenAddress", ":8080")
	v.SetDefault("StopTimeout", "30s")

	setDatabaseDefaults(v)
	setLedgerDefaults(v)
	setRecordDefaults(v)
	setSyncDefaults(v)
	setProjectionDefaults(v)
}

// Default returns the configuration built from defaults and environment.
func Default() (config *Config) {
	config, _ = Load("")
	return
}

// BindEnv visits every field and registers an upper snake case env name for it.
func BindEnv(v *viper.Viper, path []string, val reflect.Value) {
	if val.Kind() != reflect.Struct || val.Type() == reflect.TypeOf(time.Duration(0)) {
		key := strings.Join(path, ".")
		env := envPrefix + strcase.ToScreamingSnake(strings.Join(path, "_"))
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
		return
	}

	for i := 0; i < val.NumField(); i++ {
		newPath := make([]string, len(path))
		copy(newPath, path)
		newPath = append(newPath, val.Type().Field(i).Name)
		BindEnv(v, newPath, val.Field(i))
	}
}

func defaultDecoderConfig(output interface{}) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		Result:           output,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}
}

// Load configuration from file and env
func Load(filename string) (config *Config, err error) {
	v := viper.New()
	v.SetConfigType("json")

	setDefaults(v)
	BindEnv(v, []string{}, reflect.ValueOf(Config{}))

	// Empty filename means we use default values
	if filename != "" {
		var content []byte
		/* #nosec */
		content, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}

		err = v.ReadConfig(bytes.NewBuffer(content))
		if err != nil {
			return nil, err
		}
	}

	config = new(Config)
	decoder, err := mapstructure.NewDecoder(defaultDecoderConfig(config))
	if err != nil {
		return nil, err
	}
	err = decoder.Decode(v.AllSettings())
	if err != nil {
		return nil, err
	}
	return
}
