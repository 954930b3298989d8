//go:build wasidebug

package wasi

const debugInvariants = true
