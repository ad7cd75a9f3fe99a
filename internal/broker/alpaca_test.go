package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMapsAPIErrors(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"unauthorized", &alpaca.APIError{StatusCode: 401, Message: "unauthorized"}, ErrAuthFailed},
		{"forbidden without keyword", &alpaca.APIError{StatusCode: 403, Message: "access denied"}, ErrAuthFailed},
		{"rate limited", &alpaca.APIError{StatusCode: 429, Message: "too many requests"}, ErrRateLimited},
		{"order gone", &alpaca.APIError{StatusCode: 404, Message: "order not found"}, ErrOrderNotFound},
		{"buying power", &alpaca.APIError{StatusCode: 422, Message: "insufficient buying power"}, ErrInsufficientBuyingPower},
		{"sub-penny", &alpaca.APIError{StatusCode: 422, Message: "sub-penny increment does not fulfill minimum pricing criteria"}, ErrInvalidPrice},
		{"server error", &alpaca.APIError{StatusCode: 503, Message: "service unavailable"}, ErrTransient},
		{"transport failure", fmt.Errorf("dial tcp: connection refused"), ErrBrokerUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.in)
			assert.True(t, errors.Is(got, tc.want), "got %v, want class %v", got, tc.want)
		})
	}
}

func TestClassifyLeavesBusinessRejectionsAlone(t *testing.T) {
	in := &alpaca.APIError{StatusCode: 422, Message: "cost basis must be >= 1"}
	got := classify(in)
	assert.False(t, errors.Is(got, ErrTransient))
	assert.False(t, errors.Is(got, ErrBrokerUnavailable))
	var apiErr *alpaca.APIError
	assert.True(t, errors.As(got, &apiErr))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}
