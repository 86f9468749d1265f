package internal

import (
	"fmt"
	"reflect"
)

// Lookup returns the typed value of a declared option.
type Lookup func(name string) (any, error)

// BindToStruct fills fields tagged `opt:"name"` from lookup. Nested and
// embedded structs are walked; untagged fields are left alone.
func BindToStruct(target any, lookup Lookup) error {
	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr || targetValue.IsNil() || targetValue.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a non-nil pointer to struct")
	}
	return bindStructFields(targetValue.Elem(), lookup)
}

func bindStructFields(structValue reflect.Value, lookup Lookup) error {
	structType := structValue.Type()

	for i := 0; i < structValue.NumField(); i++ {
		field := structValue.Field(i)
		fieldType := structType.Field(i)

		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("opt")
		if name == "" {
			if field.Kind() == reflect.Struct {
				if err := bindStructFields(field, lookup); err != nil {
					return fmt.Errorf("%s: %w", fieldType.Name, err)
				}
			}
			continue
		}

		value, err := lookup(name)
		if err != nil {
			return err
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("field %s (option %s): %w", fieldType.Name, name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value any) error {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if v.Type().AssignableTo(field.Type()) {
		if v.Kind() == reflect.Slice {
			cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
			reflect.Copy(cp, v)
			v = cp
		}
		field.Set(v)
		return nil
	}
	if v.Kind() != reflect.Slice && v.Type().ConvertibleTo(field.Type()) && v.Kind() == field.Kind() {
		field.Set(v.Convert(field.Type()))
		return nil
	}
	if isInt(v.Kind()) && isInt(field.Kind()) {
		field.SetInt(v.Int())
		return nil
	}
	return fmt.Errorf("cannot assign %s to %s", v.Type(), field.Type())
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}
