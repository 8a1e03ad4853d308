package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "github.com/vanguardgg/go-auth-client"
)

func newBackend(t *testing.T, h http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:     srv.URL + "/rest/v1",
		AnonKey: "anon",
		Token: func(context.Context) (string, error) {
			return "user-token", nil
		},
	})
}

func TestGetCompleteUserData(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/get_complete_user_data", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u-1", body["p_auth_user_id"])

		w.Write([]byte(`[{"id":"r-1","auth_user_id":"u-1","email":"a@b.co","tier":"pro","text_count":3}]`))
	})

	row, err := b.GetCompleteUserData(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", row.ID)
	assert.Equal(t, "pro", row.Tier)
	assert.Equal(t, 3, row.TextCount)
}

func TestGetCompleteUserDataShapes(t *testing.T) {
	cases := map[string]struct {
		body    string
		wantErr error
	}{
		"object":       {body: `{"id":"r-1","auth_user_id":"u-1"}`},
		"empty array":  {body: `[]`, wantErr: auth.ErrRecordNotFound},
		"null":         {body: `null`, wantErr: auth.ErrRecordNotFound},
		"empty object": {body: `{}`, wantErr: auth.ErrRecordNotFound},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			})
			row, err := b.GetCompleteUserData(context.Background(), "u-1")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u-1", row.AuthUserID)
		})
	}
}

func TestGetUserRowQuery(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/users", r.URL.Path)
		assert.Equal(t, "eq.u-1", r.URL.Query().Get("auth_user_id"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		w.Write([]byte(`[]`))
	})

	_, err := b.GetUserRow(context.Background(), "u-1")
	assert.ErrorIs(t, err, auth.ErrRecordNotFound)
}

func TestCreateUserRecordConflicts(t *testing.T) {
	cases := map[string]struct {
		body     string
		identity bool
	}{
		"identity by details": {
			body:     `{"code":"23505","message":"duplicate key value violates unique constraint \"users_pkey\"","details":"Key (auth_user_id)=(u-1) already exists."}`,
			identity: true,
		},
		"identity by constraint": {
			body:     `{"code":"23505","message":"duplicate key value violates unique constraint \"users_auth_user_id_key\""}`,
			identity: true,
		},
		"email": {
			body: `{"code":"23505","message":"duplicate key value violates unique constraint \"users_email_key\""}`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rest/v1/rpc/create_user_record", r.URL.Path)
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(tc.body))
			})

			err := b.CreateUserRecord(context.Background(), auth.NewUserRecord{AuthUserID: "u-1", Tier: auth.TierFree})
			var conflict *auth.ConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, tc.identity, conflict.IsIdentityConflict())
		})
	}
}

func TestCreateUserRecordPayload(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u-1", body["p_auth_user_id"])
		assert.Equal(t, "discord", body["p_provider"])
		assert.Equal(t, "free", body["p_tier"])
		w.WriteHeader(http.StatusNoContent)
	})

	err := b.CreateUserRecord(context.Background(), auth.NewUserRecord{
		AuthUserID: "u-1",
		Email:      "a@b.co",
		Provider:   "discord",
		Tier:       auth.TierFree,
	})
	assert.NoError(t, err)
}

func TestUpdateUserProfile(t *testing.T) {
	var calls int
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"display_name": "Nova"}, body["profile_data"])

		if r.URL.Query().Get("auth_user_id") == "eq.missing" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":"r-1"}]`))
	})

	require.NoError(t, b.UpdateUserProfile(context.Background(), "u-1", map[string]any{"display_name": "Nova"}))
	err := b.UpdateUserProfile(context.Background(), "missing", map[string]any{"display_name": "Nova"})
	assert.ErrorIs(t, err, auth.ErrRecordNotFound)
	assert.Equal(t, 2, calls)
}

func TestGetTrialStatus(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/get_trial_status", r.URL.Path)
		w.Write([]byte(`[{"is_eligible":true,"is_active":false}]`))
	})

	ts, err := b.GetTrialStatus(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, ts.Eligible)
	assert.False(t, ts.Active)
}

func TestAPIError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"XX000","message":"boom"}`))
	})

	_, err := b.GetCompleteUserData(context.Background(), "u-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestAnonFallbackBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"r-1","auth_user_id":"u-1"}`))
	}))
	defer srv.Close()

	b := New(Config{URL: srv.URL, AnonKey: "anon"})
	_, err := b.GetUserRow(context.Background(), "u-1")
	assert.NoError(t, err)
}
