package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

const transferIDLen = 64

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	return v.RegisterValidation("transfer_id", validateTransferID)
}

func validateTransferID(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	value := fl.Field().String()
	if len(value) != transferIDLen {
		return false
	}
	for _, c := range value {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
