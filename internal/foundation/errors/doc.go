// Package errors provides classified, structured errors for buildsched.
//
// Every error carries a category (what subsystem/kind), a severity (how bad),
// a retry strategy (what a caller may do about it) and structured context.
// Errors are constructed through the fluent ErrorBuilder:
//
//	return ferrors.ConfigError("scheduler has no builders").
//		WithContext("scheduler", name).
//		Build()
//
// Callers classify errors with HasCategory rather than string matching.
package errors
