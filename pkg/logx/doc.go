// Package logx wraps zerolog behind a small Logger value type.
//
// Components accept a logx.Logger in their constructors and substitute
// Nop() when handed a zero value, so wiring stays optional in tests.
package logx
