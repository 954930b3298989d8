//go:build !wasidebug

package wasi

const debugInvariants = false
