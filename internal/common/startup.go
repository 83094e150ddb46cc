package common

import (
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/traingrid/traingrid/pkg/api"
)

// LoadConfig reads config.yaml from path, applies any user-specified override
// file on top and unmarshals the result into config. Errors are fatal: a
// process without valid configuration should not come up half-configured.
func LoadConfig(config interface{}, path string, overrideConfig string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(path)
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if overrideConfig != "" {
		viper.SetConfigFile(overrideConfig)
		if err := viper.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	if err := viper.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeDecodeHook(),
		paramValueDecodeHook(),
	))); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// BindCommandlineArguments merges pflag values into viper so flags override
// config file values.
func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ServeMetrics exposes prometheus metrics on the given port. The returned
// function shuts the listener down.
func ServeMetrics(port uint16) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(int(port)),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		if err := server.Close(); err != nil {
			log.WithError(err).Warn("metrics server didn't close down cleanly")
		}
	}
}

// paramValueDecodeHook lets config files write generation parameters as
// plain yaml scalars.
func paramValueDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(api.ParamValue{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return api.StringParam(v), nil
		case bool:
			return api.BoolParam(v), nil
		case int:
			return api.NumberParam(float64(v)), nil
		case int64:
			return api.NumberParam(float64(v)), nil
		case float64:
			return api.NumberParam(v), nil
		default:
			return data, nil
		}
	}
}

// byteSizeDecodeHook lets config files write sizes like "64MB" or "512KiB"
// for int64 fields whose name ends in Bytes.
func byteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		return parseByteSize(data.(string))
	}
}

var byteSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"GB", 1000 * 1000 * 1000},
	{"MB", 1000 * 1000},
	{"KB", 1000},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, entry := range byteSuffixes {
		if strings.HasSuffix(upper, entry.suffix) {
			value, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(upper, entry.suffix)), 10, 64)
			if err != nil {
				return 0, err
			}
			return value * entry.multiplier, nil
		}
	}
	return strconv.ParseInt(upper, 10, 64)
}
