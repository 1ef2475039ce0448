//go:build vsimdebug
// +build vsimdebug

package buildoptions

const IsDebugMode = true
