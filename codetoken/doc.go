// Package codetoken defines the authorization code carried between the
// sign-in and token endpoints.
//
// A code is a CodeToken serialised as JSON and sealed by security.Sealer under
// a fixed purpose. The server keeps no state for issued codes: everything the
// token endpoint needs to validate an exchange travels inside the code, and the
// envelope's authenticated expiry bounds its lifetime.
//
// Failures are reported as *Error with a closed Failure kind. Callers map every
// kind to the same invalid_grant response and use the kind only for logging.
package codetoken
