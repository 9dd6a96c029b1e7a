package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/alwitt/bonfire/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func validID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func TestTransferIDValidation(t *testing.T) {
	assert := assert.New(t)

	uut := validator.New()
	assert.Nil(models.RegisterWithValidator(uut))

	type probe struct {
		ID string `validate:"transfer_id"`
	}

	assert.Nil(uut.Struct(&probe{ID: validID()}))

	for _, bad := range []string{
		"",
		"abc123",
		strings.Repeat("g", 64),
		strings.ToUpper(validID()),
		validID() + "00",
	} {
		assert.NotNil(uut.Struct(&probe{ID: bad}), "expected rejection of %q", bad)
	}
}

func TestMessageValidation(t *testing.T) {
	assert := assert.New(t)

	uut := validator.New()
	assert.Nil(models.RegisterWithValidator(uut))

	good := models.SenderMessage{
		Message:    models.Message{ID: validID(), Expiration: time.Now().Add(time.Hour)},
		ReceiverID: validID(),
	}
	assert.Nil(uut.Struct(&good))

	bad := good
	bad.ReceiverID = "not-an-id"
	assert.NotNil(uut.Struct(&bad))
}
