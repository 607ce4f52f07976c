package binder

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// bindTagged fills the fields of the struct v points to that carry tag. lookup returns
// the raw values for a tag name; fields without values keep what they hold.
// Returns how many fields were set.
func bindTagged(v any, tag string, lookup func(name string) []string, bindErr error) (int, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("%w: target must be a non-nil pointer to struct, got %T", bindErr, v)
	}
	rv = rv.Elem()
	rt := rv.Type()

	bound := 0
	for i := range rt.NumField() {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get(tag), ",")
		if name == "" || name == "-" {
			continue
		}
		raw := lookup(name)
		if len(raw) == 0 {
			continue
		}
		if err := assign(rv.Field(i), raw); err != nil {
			return bound, fmt.Errorf("%w: %s: %v", bindErr, name, err)
		}
		bound++
	}
	return bound, nil
}

// assign parses raw into dst. Slices take every value, other kinds the first.
func assign(dst reflect.Value, raw []string) error {
	switch dst.Kind() {
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), raw); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Slice:
		out := reflect.MakeSlice(dst.Type(), len(raw), len(raw))
		for i, s := range raw {
			if err := parseScalar(out.Index(i), strings.TrimSpace(s)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	default:
		return parseScalar(dst, raw[0])
	}
}

func parseScalar(dst reflect.Value, s string) error {
	switch k := dst.Kind(); {
	case k == reflect.String:
		dst.SetString(s)
	case k == reflect.Bool:
		b, err := parseBool(s)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case dst.CanInt():
		n, err := strconv.ParseInt(s, 10, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		dst.SetInt(n)
	case dst.CanUint():
		n, err := strconv.ParseUint(s, 10, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q", s)
		}
		dst.SetUint(n)
	case dst.CanFloat():
		f, err := strconv.ParseFloat(s, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		dst.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", k)
	}
	return nil
}

// parseBool also accepts the checkbox spellings on/off and yes/no.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "on", "yes":
		return true, nil
	case "", "0", "f", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
