// Package config loads command options from flags and environment variables
// and validates them.
package config

import (
	"reflect"
	"strings"

	E "github.com/sagernet/sing-pipeline/common/exceptions"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("config: missing en translator")
	}
	err := en_translations.RegisterDefaultTranslations(validate, translator)
	if err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Load reads the flags of command, overridden by environment variables
// named PREFIX_FLAG_NAME, into options and validates the result.
func Load(command *cobra.Command, prefix string, options any) error {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	err := v.BindPFlags(command.Flags())
	if err != nil {
		return E.Cause(err, "bind flags")
	}
	err = v.Unmarshal(options)
	if err != nil {
		return E.Cause(err, "decode options")
	}
	return Validate(options)
}

// Validate checks options against their validate tags.
func Validate(options any) error {
	err := validate.Struct(options)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var fields FieldErrors
	for _, fieldError := range validationErrors {
		fields = append(fields, FieldError{
			Field: fieldError.Field(),
			Err:   fieldError.Translate(translator),
		})
	}
	return fields
}

type FieldError struct {
	Field string
	Err   string
}

type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Err
	}
	return "invalid options: " + strings.Join(parts, "; ")
}

// Fields returns the names of the invalid fields.
func (fe FieldErrors) Fields() []string {
	names := make([]string, len(fe))
	for i, f := range fe {
		names[i] = f.Field
	}
	return names
}
