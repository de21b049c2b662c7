package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Keys are addressed by their JSON names joined with dots, for example
// "api.retryAttempts" or "providers.openai.apiKey". The one map level,
// providers, takes the provider name as a segment.

// Setting is one leaf value of the configuration.
type Setting struct {
	Path  string
	Value any
}

// secretKeys are leaf names whose values are masked when shown.
var secretKeys = map[string]bool{"apiKey": true, "password": true, "dsn": true}

// IsSecret reports whether the value at path is masked by Sanitize.
func IsSecret(path string) bool {
	if path == "audit.rabbitmq.url" {
		return true
	}
	return secretKeys[path[strings.LastIndex(path, ".")+1:]]
}

// GetByPath returns the value at path. Known keys that are unset read as
// their zero value; unknown keys are an error.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := typeAt(path)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if res := gjson.GetBytes(data, path); res.Exists() {
		return res.Value(), nil
	}
	return reflect.Zero(t).Interface(), nil
}

// SetByPath parses raw according to the type of the key at path and stores
// it in cfg. Lists take comma separated values. Whole sections cannot be set.
func SetByPath(cfg *Config, path, raw string) error {
	t, err := typeAt(path)
	if err != nil {
		return err
	}
	value, err := parseValue(t, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if data, err = sjson.SetBytes(data, path, value); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = next
	return nil
}

func parseValue(t reflect.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", raw)
		}
		return n, nil
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case reflect.Slice:
		items := []string{}
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("is a section; set one of its keys")
}

// typeAt walks the Config type along path using JSON field names.
func typeAt(path string) (reflect.Type, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config key")
	}
	t := reflect.TypeOf(Config{})
	for _, seg := range strings.Split(path, ".") {
		switch t.Kind() {
		case reflect.Struct:
			f, ok := jsonField(t, seg)
			if !ok {
				return nil, fmt.Errorf("unknown config key %q", path)
			}
			t = f.Type
		case reflect.Map:
			if seg == "" {
				return nil, fmt.Errorf("unknown config key %q", path)
			}
			t = t.Elem()
		default:
			return nil, fmt.Errorf("unknown config key %q", path)
		}
	}
	return t, nil
}

func jsonField(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg // Return original on marshal error
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for name, prov := range copy.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		copy.Providers[name] = prov
	}

	if copy.API.APIKey != "" {
		copy.API.APIKey = maskString(copy.API.APIKey)
	}
	if copy.Store.DSN != "" {
		copy.Store.DSN = maskDSN(copy.Store.DSN)
	}
	if copy.Store.Redis.Password != "" {
		copy.Store.Redis.Password = "***"
	}
	if copy.Audit.RabbitMQ.URL != "" {
		copy.Audit.RabbitMQ.URL = maskURL(copy.Audit.RabbitMQ.URL)
	}

	return &copy
}

// maskDSN hides the password of a user:pass@tcp(host)/db style DSN.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, ":")
	if at < 0 || colon < 0 || colon > at {
		return dsn
	}
	return dsn[:colon+1] + "***" + dsn[at:]
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf of cfg, secrets masked, sorted by path.
func ListPaths(cfg *Config) []Setting {
	data, err := json.Marshal(Sanitize(cfg))
	if err != nil {
		return nil
	}
	var out []Setting
	flatten("", gjson.ParseBytes(data), &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func flatten(prefix string, res gjson.Result, out *[]Setting) {
	if !res.IsObject() {
		*out = append(*out, Setting{Path: prefix, Value: res.Value()})
		return
	}
	res.ForEach(func(key, val gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		flatten(path, val, out)
		return true
	})
}
