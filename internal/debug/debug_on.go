// +build debug

package debug

const enabled = true
