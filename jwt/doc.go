// Package jwt provides the default credential bridge: a Manager that mints
// and parses signed login credentials once out-of-band verification has
// succeeded.
package jwt
