package config

import "reflect"

// mergeNonZero copies each field from src into dst where dst's field is
// still at its zero value, so that command-line flags always take priority
// over the values loaded from a YAML config file.
func mergeNonZero(dst, src *Config) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(src).Elem()

	for i := 0; i < dv.NumField(); i++ {
		df := dv.Field(i)
		sf := sv.Field(i)
		if !df.CanSet() {
			continue
		}
		if isZero(df) {
			df.Set(sf)
		}
	}
}

func isZero(v reflect.Value) bool {
	return v.IsZero()
}
