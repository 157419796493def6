// Package audit provides the asynchronous audit event dispatcher and the
// sink implementations exposed through the root tokengate package.
package audit
