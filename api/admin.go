package api

import (
	"crypto/rand"
	"net/http"

	"github.com/jmcleod/certgate/internal/util"
)

const adminTokenHeader = "X-Admin-Token"

// adminTokenAuth verifies the management token. The token itself is not
// kept; an Argon2id-derived key is compared in constant time.
type adminTokenAuth struct {
	salt   []byte
	params util.Argon2idParams
	key    []byte
}

func newAdminTokenAuth(token string) *adminTokenAuth {
	salt := make([]byte, 16)
	rand.Read(salt)
	params := util.DefaultArgon2idParams()
	key, _ := util.DeriveArgon2idKey(token, salt, params)
	return &adminTokenAuth{salt: salt, params: params, key: key}
}

func (aa *adminTokenAuth) verify(token string) bool {
	ok, err := util.CompareArgon2idKey(token, aa.salt, aa.params, aa.key)
	return err == nil && ok
}

// AdminMiddleware protects management endpoints with the admin token. A
// server started without one refuses all management requests.
func (a *API) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminAuth == nil {
			a.audit.logRejection(AuditAdminAuthFailed, r, "no admin token configured")
			writeError(w, http.StatusForbidden, errKindForbidden, "management API disabled")
			return
		}
		token := r.Header.Get(adminTokenHeader)
		if token == "" || !a.adminAuth.verify(token) {
			a.audit.logRejection(AuditAdminAuthFailed, r, "invalid admin token")
			writeError(w, http.StatusForbidden, errKindForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
