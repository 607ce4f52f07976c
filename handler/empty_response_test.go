package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/handler"
)

func TestEmpty(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/test", nil)

	require.NoError(t, handler.Empty().Render(w, r))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Type"))
}

func TestEmptyWithStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusCreated, http.StatusAccepted, http.StatusOK} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)

			require.NoError(t, handler.EmptyWithStatus(status).Render(w, r))
			assert.Equal(t, status, w.Code)
			assert.Empty(t, w.Body.String())
		})
	}
}

func TestRedirect(t *testing.T) {
	t.Parallel()

	t.Run("see other by default", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/return", nil)

		require.NoError(t, handler.Redirect("https://example.com/success").Render(w, r))
		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "https://example.com/success", w.Header().Get("Location"))
	})

	t.Run("custom code", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/return", nil)

		require.NoError(t, handler.RedirectWithCode("/elsewhere", http.StatusFound).Render(w, r))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/elsewhere", w.Header().Get("Location"))
	})
}
