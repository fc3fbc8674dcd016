package config

import (
	"fmt"
	"reflect"
)

// structFieldTags returns the set of mapstructure tags declared on Config,
// used to build the initial (all-default) provenance map and to check
// which keys viper actually observed in the environment.
func structFieldTags(cfg Config) map[string]struct{} {
	tags := map[string]struct{}{}
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" && tag != "-" {
			tags[tag] = struct{}{}
		}
	}
	return tags
}

// applyOverride sets the named field (by mapstructure tag) to val.
func applyOverride(cfg *Config, key string, val any) error {
	t := reflect.TypeOf(*cfg)
	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("mapstructure") != key {
			continue
		}
		field := v.Field(i)
		rv := reflect.ValueOf(val)
		if !rv.Type().AssignableTo(field.Type()) {
			if rv.Type().ConvertibleTo(field.Type()) {
				rv = rv.Convert(field.Type())
			} else {
				return fmt.Errorf("override %q: cannot assign %T to %s", key, val, field.Type())
			}
		}
		field.Set(rv)
		return nil
	}
	return fmt.Errorf("override %q: unknown config key", key)
}
