// Package shared wires the pieces both the API and the admin CLI are built from.
package shared

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

// NewValidator returns a validator with every custom tag registered, and its translator.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	account.InitValidators(validate, translator)
	return validate, translator
}
