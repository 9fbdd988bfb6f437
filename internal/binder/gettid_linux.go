//go:build linux

package binder

import "golang.org/x/sys/unix"

func gettid() int { return unix.Gettid() }
