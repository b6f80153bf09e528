package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/contextkeys"
	"github.com/platinummonkey/tally/pkg/observability"
)

// AccountContextMiddleware copies the {customerID} route variable into the
// request context so logs and audit events carry the account a request
// touched. Routes without the variable pass through unchanged.
func AccountContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customerID, ok := mux.Vars(r)["customerID"]
		if !ok || customerID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := contextkeys.WithAccount(r.Context(), customerID)
		ctx = observability.WithCustomerID(ctx, customerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
