// +build !debug

package debug

const enabled = false
