// Package internal holds identifier and token generation helpers shared by
// the root tokengate package.
package internal
