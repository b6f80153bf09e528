// Package checkout issues short-lived hosted checkout sessions. A session
// carries an unguessable token, expires after 24 hours, and completes at
// most once: completion creates the subscription and stamps the session in
// the same transaction, so replaying a completed or expired token never
// creates a second subscription.
package checkout
