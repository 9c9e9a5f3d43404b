package mailpool

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/lattiq/mailpool/internal/proxy"
)

// knobKeys maps flat environment-style keys onto nested Config paths.
var knobKeys = map[string]string{
	"ROTATION_ENABLED":      "rotation.enabled",
	"SERVER_ROTATION":       "rotation.server",
	"PROXY_ROTATION":        "rotation.proxy",
	"FROM_ROTATION":         "rotation.from",
	"RATE_LIMIT_ENABLED":    "rate_limit.enabled",
	"RATE_LIMIT_PER_MINUTE": "rate_limit.per_minute",
	"RATE_LIMIT_WINDOW":     "rate_limit.window",
	"RATE_LIMIT_COOLDOWN":   "rate_limit.cooldown",
	"POOL_ENABLED":          "pool.enabled",
	"POOL_MAX_CONNECTIONS":  "pool.max_connections",
	"POOL_MAX_MESSAGES":     "pool.max_messages",
	"POOL_IDLE_TIMEOUT":     "pool.idle_timeout",
	"POOL_MAX_AGE":          "pool.max_age",
	"WARMUP_ENABLED":        "warmup.enabled",
	"WARMUP_COUNT":          "warmup.count",
	"WARMUP_TIMEOUT":        "warmup.timeout",
	"CONNECTION_TIMEOUT":    "timeouts.connection",
	"SOCKET_TIMEOUT":        "timeouts.socket",
	"LOCK_TIMEOUT":          "timeouts.lock",
	"HEALTH_CHECK_ENABLED":  "health_check.enabled",
	"HEALTH_CHECK_INTERVAL": "health_check.every_n_sends",
	"HEALTH_CHECK_TIMEOUT":  "health_check.timeout",
	"PROXY_ENABLED":         "proxy.enabled",
	"BACKOFF_MAX_ATTEMPTS":  "backoff.max_attempts",
	"RETRY_ENABLED":         "retry.enabled",
	"RETRY_MAX_ATTEMPTS":    "retry.max_attempts",
	"RETRY_MAX_ELAPSED":     "retry.max_elapsed",
	"BATCH_CONCURRENCY":     "batch.concurrency",
	"LOG_LEVEL":             "monitoring.logging.level",
	"LOG_FORMAT":            "monitoring.logging.format",
	"TRACING_ENABLED":       "monitoring.tracing.enabled",
	"TRACING_SERVICE_NAME":  "monitoring.tracing.service_name",
}

// NewViper returns a viper instance backed by the environment and, when path
// is set, by the file at path. Files without a recognised extension are read
// as dotenv.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		v.SetConfigType("env")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// LoadConfig builds a Config from v on top of DefaultConfig.
//
// Nested settings (a YAML "servers" list, "rate_limit.per_minute") are
// decoded first, then flat knobs such as RATE_LIMIT_PER_MINUTE, then the
// indexed HOST_n/PORT_n/... server entries and PROXY_n URLs. Server entries
// that fail validation are kept so New can report and skip them; LoadConfig
// fails with ErrNoValidServers only when none would survive.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if err := decode(v.AllSettings(), &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	knobs := make(map[string]any)
	for key, path := range knobKeys {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			continue
		}
		setPath(knobs, strings.Split(path, "."), raw)
	}
	if err := decode(knobs, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	servers, err := indexedServers(v)
	if err != nil {
		return cfg, err
	}
	cfg.Servers = append(cfg.Servers, servers...)

	proxies, err := indexedProxies(v)
	if err != nil {
		return cfg, err
	}
	if len(proxies) > 0 {
		cfg.Proxy.Proxies = append(cfg.Proxy.Proxies, proxies...)
		if strings.TrimSpace(v.GetString("PROXY_ENABLED")) == "" {
			cfg.Proxy.Enabled = true
		}
	}

	valid := 0
	for i := range cfg.Servers {
		if cfg.Servers[i].Validate() == nil {
			valid++
		}
	}
	if valid == 0 {
		return cfg, ErrNoValidServers
	}
	return cfg, nil
}

func indexedServers(v *viper.Viper) ([]ServerConfig, error) {
	var out []ServerConfig
	for n := 1; ; n++ {
		get := func(name string) string {
			return strings.TrimSpace(v.GetString(name + "_" + strconv.Itoa(n)))
		}
		host := get("HOST")
		if host == "" {
			return out, nil
		}

		s := ServerConfig{
			Host:      host,
			Username:  get("USER"),
			Password:  get("PASS"),
			FromName:  get("FROM_NAME"),
			Transport: get("TRANSPORT"),
			From:      splitList(get("FROM")),
		}
		if raw := get("SECURE"); raw != "" {
			secure, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, NewValidationErrorWithValue(fmt.Sprintf("SECURE_%d", n), "invalid boolean", raw)
			}
			s.Secure = secure
		}
		s.Port = 587
		if s.Secure {
			s.Port = 465
		}
		if raw := get("PORT"); raw != "" {
			port, err := strconv.Atoi(raw)
			if err != nil {
				return nil, NewValidationErrorWithValue(fmt.Sprintf("PORT_%d", n), "invalid port", raw)
			}
			s.Port = port
		}
		if raw := get("PRIORITY"); raw != "" {
			priority, err := strconv.Atoi(raw)
			if err != nil {
				return nil, NewValidationErrorWithValue(fmt.Sprintf("PRIORITY_%d", n), "invalid priority", raw)
			}
			s.Priority = priority
		}

		settings := ProviderSettings{}
		for _, key := range []string{"API_KEY", "REGION", "DOMAIN", "BASE_URL"} {
			if val := get(key); val != "" {
				settings.Set(strings.ToLower(key), val)
			}
		}
		if len(settings) > 0 {
			s.Settings = settings
		}
		out = append(out, s)
	}
}

func indexedProxies(v *viper.Viper) ([]ProxyConfig, error) {
	var out []ProxyConfig
	for n := 1; ; n++ {
		raw := strings.TrimSpace(v.GetString("PROXY_" + strconv.Itoa(n)))
		if raw == "" {
			return out, nil
		}
		px, err := proxy.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: PROXY_%d: %w", ErrInvalidConfiguration, n, err)
		}
		out = append(out, *px)
	}
}

func decode(input map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			millisecondsHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// millisecondsHook reads bare numbers, whether strings from env files or
// integers from YAML and JSON, as milliseconds when the target is a
// time.Duration. Values that are already durations pass through.
func millisecondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			ms, err := strconv.ParseInt(strings.TrimSpace(reflect.ValueOf(data).String()), 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(ms) * time.Millisecond, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Millisecond, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
		}
		return data, nil
	}
}

func setPath(m map[string]any, path []string, value any) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
