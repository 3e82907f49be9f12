package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"signature", Rejected(CodeUnauthorized, "bad signature"), http.StatusUnauthorized},
		{"challenge", Rejected(CodeForbidden, "token mismatch"), http.StatusForbidden},
		{"validation", Rejected(CodeInvalidRequest, "empty list"), http.StatusBadRequest},
		{"missing", NotFound(CodeCampaignNotFound, "nope"), http.StatusNotFound},
		{"wrapped", fmt.Errorf("create: %w", NotFound(CodeAccountNotFound, "nope")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("db down")))
	assert.Equal(t, KindPermanent, KindOf(Permanent(CodeProviderRejected, errors.New("403"))))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", Permanent(CodeProviderRejected, nil))))
	assert.False(t, IsPermanent(Transient(CodeRateLimited, nil)))
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeTemplateNotApproved, Code(Rejected(CodeTemplateNotApproved, "pending review")))
	assert.Equal(t, "internal_error", Code(errors.New("x")))
}
