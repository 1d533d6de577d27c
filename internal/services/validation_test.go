package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type topUpForm struct {
	Amount   float64 `validate:"required,gt=0,lte=10000"`
	Currency string  `validate:"omitempty,len=3"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		err := vh.ValidateStruct(&topUpForm{Amount: 50, Currency: "USD"})
		assert.NoError(t, err)
	})

	t.Run("amount bounds enforced", func(t *testing.T) {
		err := vh.ValidateStruct(&topUpForm{Amount: 0})
		assert.Error(t, err)

		err = vh.ValidateStruct(&topUpForm{Amount: 10001})
		assert.Error(t, err)

		fieldErrs, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Equal(t, "Amount", fieldErrs[0].Field())
		assert.Equal(t, "lte", fieldErrs[0].Tag())
	})

	t.Run("currency length enforced when present", func(t *testing.T) {
		err := vh.ValidateStruct(&topUpForm{Amount: 50, Currency: "USDT"})
		assert.Error(t, err)

		err = vh.ValidateStruct(&topUpForm{Amount: 50})
		assert.NoError(t, err)
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error response", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("validator errors expand into per-field details", func(t *testing.T) {
		vh := NewValidationHelper()
		validationErr := vh.ValidateStruct(&topUpForm{Amount: -1, Currency: "US"})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "Amount")
		assert.Contains(t, response.Details, "Currency")
	})

	t.Run("non-validator errors produce no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, assert.AnError)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Invalid request", response.Error)
		assert.Nil(t, response.Details)
	})
}
