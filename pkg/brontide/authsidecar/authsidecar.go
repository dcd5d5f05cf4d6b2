// Package authsidecar concretizes the abstract "auth sidecar" capability
// described in the protocol design notes: an optional identity-authenticated
// collaborator that, when present and authenticated, intercepts a Session's
// two re-key side-effects instead of the Session calling Stream.Rekey
// directly. It never reaches into Session cipher state itself.
package authsidecar

// AuthSidecar is the capability a Session checks before applying a rekey
// side-effect. Implementations must not couple back into the Session;
// RekeyInput/RekeyOutput are expected to operate on Streams the sidecar
// was constructed with a reference to.
type AuthSidecar interface {
	// Authenticated reports whether the sidecar's identity check has
	// succeeded. A Session only delegates rekeys to the sidecar when
	// this is true; otherwise it falls back to calling Stream.Rekey
	// itself.
	Authenticated() bool

	// RekeyInput applies the re-key side-effect to the input Stream in
	// place of the Session calling input.Rekey() directly.
	RekeyInput() error

	// RekeyOutput applies the re-key side-effect to the output Stream in
	// place of the Session calling output.Rekey() directly.
	RekeyOutput() error
}
